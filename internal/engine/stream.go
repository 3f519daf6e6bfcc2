package engine

import (
	"context"
	"iter"
	"sync"
)

// Stream is the lazy event sequence produced by one run.
//
// It is not restartable: a second consumption requires a new Run. Closing the
// stream (or abandoning it and cancelling the surrounding context) stops the
// engine from scheduling further model or tool calls; an in-flight tool
// invocation completes and its result is discarded.
type Stream struct {
	events <-chan Event
	cancel context.CancelFunc
	once   sync.Once

	cur Event
}

// Next advances to the next event. It returns false when the run is over.
func (s *Stream) Next() bool {
	ev, ok := <-s.events
	if !ok {
		return false
	}
	s.cur = ev
	return true
}

// Current returns the event at the current position. Only valid after a
// successful Next.
func (s *Stream) Current() Event {
	return s.cur
}

// Close abandons the stream and releases the run. Safe to call multiple
// times and after the run is over.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		// Unblock the producer if it is parked on a send.
		go func() {
			for range s.events { //nolint:revive
			}
		}()
	})
	return nil
}

// All returns a single-use iterator over the remaining events. The stream is
// closed when the iterator stops, whether drained or abandoned.
func (s *Stream) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		defer s.Close() //nolint:errcheck
		for s.Next() {
			if !yield(s.Current()) {
				return
			}
		}
	}
}
