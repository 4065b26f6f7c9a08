package worker

import (
	"errors"
	"slices"
	"sync"

	"github.com/rivet-gg/actorrepl/actor"
)

// session owns the actor handles of successful requests.
type session struct {
	mu      sync.Mutex
	handles []actor.Handle
	closed  bool
}

func newSession() *session {
	return &session{}
}

// retain keeps h until the session closes. A closed session disposes h
// right away. Handles that report the end of their connection are
// forgotten once it ends.
func (s *session) retain(h actor.Handle) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Dispose()
		return
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	if w, ok := h.(actor.Watcher); ok {
		go func() {
			<-w.Done()
			s.forget(h)
		}()
	}
}

func (s *session) forget(h actor.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = slices.DeleteFunc(s.handles, func(x actor.Handle) bool { return x == h })
}

// drain disposes every retained handle and keeps the session open.
func (s *session) drain() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close disposes every retained handle and any handle retained later.
func (s *session) close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.drain()
}
