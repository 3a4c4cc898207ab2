package xcp

import "sync"

// Sink is the queue every Src feeds and the single Ctx consumes from. It is
// safe for any number of concurrent producers and one consumer.
//
// A nil chunk is a valid entry: it is the sentinel a Src pushes to wake a
// consumer blocked in Get when the source has just latched an error, so the
// consumer can notice the failure instead of waiting forever for a chunk
// that will never come.
type Sink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Chunk
	closed bool
}

// NewSink creates an empty, open sink.
func NewSink() *Sink {
	s := &Sink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put enqueues a chunk (or nil, as a wake-up sentinel). It never blocks.
func (s *Sink) Put(c *Chunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.cond.Signal()
}

// Get blocks until a chunk is available or the sink is closed, returning
// (nil, false) in the latter case. A (nil, true) result is the wake-up
// sentinel: no chunk was actually produced, but the caller should recheck
// whatever condition it is waiting on.
func (s *Sink) Get() (*Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

// TryGet returns immediately: (chunk, true) if one was queued, (nil, false)
// otherwise. It never distinguishes an empty queue from a closed one; use
// Get for that.
func (s *Sink) TryGet() (*Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

// Empty reports whether the sink currently has no queued entries.
func (s *Sink) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Close marks the sink closed and wakes every blocked Get. Safe to call more
// than once.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
