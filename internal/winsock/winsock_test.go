package winsock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireReleaseRefcount(t *testing.T) {
	base := Refcount()

	require := func(cond bool) {
		if !cond {
			t.Fatal("refcount assertion failed")
		}
	}

	require(Acquire() == nil)
	assert.Equal(t, base+1, Refcount())

	require(Acquire() == nil)
	assert.Equal(t, base+2, Refcount())

	Release()
	assert.Equal(t, base+1, Refcount())

	Release()
	assert.Equal(t, base, Refcount())
}

func TestReleaseBelowZeroIsNoop(t *testing.T) {
	base := Refcount()
	Release()
	assert.Equal(t, base, Refcount())
}
