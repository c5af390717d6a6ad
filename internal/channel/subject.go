package channel

import (
	"sync"
	"sync/atomic"
)

// Subscription is a handle returned by Subscribe. Dispose runs at most once.
type Subscription struct {
	once    sync.Once
	dispose func()
}

// NewSubscription wraps fn as a dispose-once handle.
func NewSubscription(fn func()) *Subscription {
	return &Subscription{dispose: fn}
}

// Dispose removes the subscription. Later calls are no-ops.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
	})
}

type observer[T any] struct {
	fn       func(T)
	disposed atomic.Bool
}

// Subject fans values out to subscribers.
//
// Publish iterates a snapshot of the subscriber list, so a callback may
// subscribe or dispose (itself or others) without corrupting the iteration.
// An observer disposed mid-iteration is skipped for the rest of it.
//
// Thread-safety: safe for concurrent use. Callbacks run on the publishing
// goroutine and must not block on that goroutine's progress.
type Subject[T any] struct {
	mu        sync.Mutex
	observers []*observer[T]
}

// Subscribe registers fn for every later Publish.
func (s *Subject[T]) Subscribe(fn func(T)) *Subscription {
	o := &observer[T]{fn: fn}

	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()

	return NewSubscription(func() {
		o.disposed.Store(true)
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.observers {
			if cur == o {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	})
}

// Publish delivers v to every live subscriber in subscription order.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	snapshot := make([]*observer[T], len(s.observers))
	copy(snapshot, s.observers)
	s.mu.Unlock()

	for _, o := range snapshot {
		if o.disposed.Load() {
			continue
		}
		o.fn(v)
	}
}

// Len returns the number of live subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}
