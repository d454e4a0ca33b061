// Package timerqueue implements the deadline-ordered multiset of pending
// timers described in spec §4.3. It is a pure data structure with no I/O:
// the reactor (internal/reactor) asks it for the soonest deadline to bound
// a poll wait, and fires expired entries after each poll iteration.
//
// Grounded on the teacher's timedHeap (container/heap over *aiocb by
// deadline, see gaio's watcher.go), generalized with token-indexed
// cancellation the teacher does not need (gaio only ever has one pending
// timeout per aiocb) but asio's timer_queue_service.hpp does.
package timerqueue

import (
	"container/heap"
	"time"

	"github.com/espressif/esp-protocols-sub002/errs"
)

// Token is an opaque cancellation handle, typically the address of the
// public Timer that scheduled the entry.
type Token uintptr

// Handler is invoked exactly once, either on expiry (err == nil) or on
// cancellation (err reports errs.Aborted).
type Handler func(err *errs.Error)

type entry struct {
	deadline time.Time
	seq      uint64 // insertion sequence, breaks deadline ties (spec §4.3)
	token    Token
	handler  Handler
	index    int // heap index, maintained by container/heap
}

// heapSlice implements container/heap.Interface ordered by (deadline, seq).
type heapSlice []*entry

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapSlice) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a deadline-ordered multiset of timer entries, indexed by
// cancellation token. Not safe for concurrent use; callers (the reactor)
// serialize access under their own lock per spec §5.
type Queue struct {
	h        heapSlice
	byToken  map[Token][]*entry
	nextSeq  uint64
	ceiling  time.Duration // spec §4.2 "ceiling" bound on reported wait duration
}

// DefaultCeiling mirrors asio's choice of a small number of minutes so a
// blocking poll periodically returns to observe wall-clock adjustments
// even with no timer registered.
const DefaultCeiling = 5 * time.Minute

// New creates an empty queue. ceiling <= 0 uses DefaultCeiling.
func New(ceiling time.Duration) *Queue {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Queue{byToken: make(map[Token][]*entry), ceiling: ceiling}
}

// Schedule inserts a new timer entry and reports whether it is now the
// earliest pending deadline — the reactor should wake an in-flight poll to
// shorten its wait when this is true (spec §4.3 "schedule... returns true
// iff the new entry is now the earliest").
func (q *Queue) Schedule(deadline time.Time, token Token, h Handler) bool {
	e := &entry{deadline: deadline, token: token, handler: h, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.h, e)
	q.byToken[token] = append(q.byToken[token], e)
	return q.h[0] == e
}

// Cancel removes every entry matching token, firing each removed handler
// with an Aborted error, and returns the count removed (spec §4.3).
func (q *Queue) Cancel(token Token) int {
	entries := q.byToken[token]
	if len(entries) == 0 {
		return 0
	}
	delete(q.byToken, token)
	for _, e := range entries {
		if e.index >= 0 {
			heap.Remove(&q.h, e.index)
		}
		e.handler(errs.New(errs.Aborted))
	}
	return len(entries)
}

// DispatchExpired extracts and fires every entry with deadline <= now,
// oldest-deadline first, ties broken by insertion order.
func (q *Queue) DispatchExpired(now time.Time) int {
	fired := 0
	for q.h.Len() > 0 && !q.h[0].deadline.After(now) {
		e := heap.Pop(&q.h).(*entry)
		q.removeFromToken(e)
		e.handler(nil)
		fired++
	}
	return fired
}

func (q *Queue) removeFromToken(e *entry) {
	list := q.byToken[e.token]
	for i, o := range list {
		if o == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.byToken, e.token)
	} else {
		q.byToken[e.token] = list
	}
}

// WaitDuration returns the soonest deadline minus now, saturated to zero
// and capped at the configured ceiling (spec §4.3/§4.2).
func (q *Queue) WaitDuration(now time.Time) time.Duration {
	if q.h.Len() == 0 {
		return q.ceiling
	}
	d := q.h[0].deadline.Sub(now)
	if d < 0 {
		return 0
	}
	if d > q.ceiling {
		return q.ceiling
	}
	return d
}

// Len reports the number of pending (not yet fired or cancelled) entries.
func (q *Queue) Len() int { return q.h.Len() }
