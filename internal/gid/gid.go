// Package gid extracts the calling goroutine's runtime-assigned ID.
//
// The source (spec §9 "thread-local 'am I inside run() of this context'")
// relies on native OS-thread TLS. Go's unit of concurrency is the
// goroutine, which has no public TLS API, so this module reconstructs the
// same "which execution unit am I" capability from the one place the
// runtime exposes it: the "goroutine N [...]" header that runtime.Stack
// always writes first. This is the same technique several widely used Go
// libraries (e.g. goroutine-scoped loggers and ORM transaction trackers)
// use for reentrancy detection; it is read-only and touches no unexported
// runtime state beyond what Stack already documents.
package gid

import (
	"runtime"
	"strconv"
	"sync"
)

// Current returns the calling goroutine's ID. It is stable for the
// lifetime of the goroutine and is the unit execctx uses to detect
// same-goroutine (nested) Dispatch calls.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		return 0
	}
	b = b[len(prefix):]

	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

var (
	stacksMu sync.Mutex
	stacks   = make(map[uint64][]any)
)

// Push records that the calling goroutine is now executing inline on
// behalf of owner (an *execctx.ExecutionContext, kept as `any` here to
// avoid an import cycle). Must be paired with a deferred Pop.
func Push(owner any) {
	id := Current()
	stacksMu.Lock()
	stacks[id] = append(stacks[id], owner)
	stacksMu.Unlock()
}

// Pop removes the most recently Pushed owner for the calling goroutine.
func Pop(owner any) {
	id := Current()
	stacksMu.Lock()
	defer stacksMu.Unlock()
	s := stacks[id]
	if len(s) == 0 {
		return
	}
	s = s[:len(s)-1]
	if len(s) == 0 {
		delete(stacks, id)
	} else {
		stacks[id] = s
	}
}

// Contains reports whether the calling goroutine is currently executing
// inline on behalf of owner at any nesting depth — the reentrancy check
// execctx.Dispatch uses for its nested-inline semantics (spec §4.1).
func Contains(owner any) bool {
	id := Current()
	stacksMu.Lock()
	defer stacksMu.Unlock()
	for _, o := range stacks[id] {
		if o == owner {
			return true
		}
	}
	return false
}
