package vdev

import (
	"sync"

	"github.com/kelindar/event"
)

const defaultSinkDepth = 32

// eventSink queues device notifications for one instance until the
// client dequeues them. The oldest entry is dropped when the queue is full.
type eventSink struct {
	mu      sync.Mutex
	queue   []Notification
	depth   int
	dropped uint64
	closed  bool
	unsub   func()
}

func newEventSink(notify *event.Dispatcher, depth int) *eventSink {
	if depth <= 0 {
		depth = defaultSinkDepth
	}
	s := &eventSink{depth: depth}
	s.unsub = event.Subscribe(notify, s.push)
	return s
}

func (s *eventSink) push(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, n)
}

func (s *eventSink) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *eventSink) dequeue() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Notification{}, false
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	return n, true
}

// close detaches the sink from its dispatcher and drops queued entries.
func (s *eventSink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	unsub := s.unsub
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
