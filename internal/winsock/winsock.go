// Package winsock represents the process-scoped Winsock init/cleanup
// capability spec §9 calls for on Windows: "init-on-first-use and teardown-
// at-last-drop, guarded by a lock plus a refcount." This module targets
// Linux/BSD/Darwin (DESIGN.md "Backend choice"), where no such global
// initialization exists, so Acquire/Release are a no-op refcount kept only
// so callers (execctx.New) have one capability-acquisition call site that
// would need no changes if a Windows backend were added later.
package winsock

import "sync"

var (
	mu       sync.Mutex
	refcount int
)

// Acquire increments the process-wide refcount, initializing the
// capability on the 0->1 transition. On this module's target platforms
// that initialization is empty.
func Acquire() error {
	mu.Lock()
	defer mu.Unlock()
	refcount++
	return nil
}

// Release decrements the refcount, tearing down the capability on the
// 1->0 transition.
func Release() {
	mu.Lock()
	defer mu.Unlock()
	if refcount > 0 {
		refcount--
	}
}

// Refcount reports the current refcount, for tests.
func Refcount() int {
	mu.Lock()
	defer mu.Unlock()
	return refcount
}
