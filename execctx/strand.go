package execctx

import "sync"

// Strand serializes handler invocations that pass through it, the
// mutex-guarded single-in-flight discipline spec §5 describes as
// "trivial given dispatch/post and a mutex" (public surface listed in
// spec §6). It wraps an ExecutionContext rather than replacing it: posted
// work still runs on whatever worker thread is driving ctx.Run, but never
// concurrently with other work posted through the same Strand.
type Strand struct {
	ctx *ExecutionContext

	mu      sync.Mutex
	running bool
	queue   strandList
}

// strandList is a tiny intrusive FIFO of pending strand handlers, typed so
// that popFront needs no interface assertion.
type strandList struct {
	head, tail *strandNode
}

type strandNode struct {
	h    Handler
	next *strandNode
}

func (l *strandList) pushBack(h Handler) {
	n := &strandNode{h: h}
	if l.tail == nil {
		l.head, l.tail = n, n
		return
	}
	l.tail.next = n
	l.tail = n
}

func (l *strandList) popFront() (Handler, bool) {
	if l.head == nil {
		return nil, false
	}
	n := l.head
	l.head = n.next
	if l.head == nil {
		l.tail = nil
	}
	return n.h, true
}

// NewStrand constructs a Strand over ctx.
func NewStrand(ctx *ExecutionContext) *Strand {
	return &Strand{ctx: ctx}
}

// runNextOrIdle drains one handler at a time, posting itself back to ctx
// to pick up the next queued handler rather than looping inline, so a
// long backlog cannot starve other work on ctx.
func (s *Strand) runNextOrIdle() {
	s.mu.Lock()
	h, ok := s.queue.popFront()
	if !ok {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	h()

	s.mu.Lock()
	if s.queue.head == nil {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.ctx.Post(s.runNextOrIdle)
}

func (s *Strand) enqueue(h Handler) (shouldStart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.pushBack(h)
	if !s.running {
		s.running = true
		return true
	}
	return false
}

// Post enqueues h on the strand; it runs only after every handler
// enqueued before it on this strand has completed, never concurrently
// with another strand handler.
func (s *Strand) Post(h Handler) {
	if s.enqueue(h) {
		s.ctx.Post(s.runNextOrIdle)
	}
}

// Dispatch runs h inline if the calling goroutine is both inside ctx's
// Run and the strand is currently idle (so running inline cannot violate
// single-in-flight); otherwise it behaves like Post.
func (s *Strand) Dispatch(h Handler) {
	s.mu.Lock()
	if !s.running {
		s.running = true
		s.mu.Unlock()
		s.ctx.Dispatch(func() {
			h()
			s.runNextOrIdle()
		})
		return
	}
	s.mu.Unlock()
	s.Post(h)
}

// Wrap returns a callable that, when invoked, Dispatches h on this strand.
func (s *Strand) Wrap(h Handler) Handler {
	return func() { s.Dispatch(h) }
}
