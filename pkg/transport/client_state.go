package transport

import "sync"

// State is the observable outcome of the most recent submission.
type State struct {
	mu        sync.RWMutex
	isLoading bool
	data      any
	err       error
	status    int
}

// StateSnapshot is a point-in-time copy of a State.
type StateSnapshot struct {
	IsLoading bool
	Data      any
	Error     error
	Status    int
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateSnapshot{
		IsLoading: s.isLoading,
		Data:      s.data,
		Error:     s.err,
		Status:    s.status,
	}
}

// Reset returns the state to its initial values.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.data = nil
	s.err = nil
	s.status = 0
}

func (s *State) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = true
	s.err = nil
	s.status = 0
}

func (s *State) finish(data any, status int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.status = status
	s.err = err
	if err != nil {
		s.data = nil
		return
	}
	s.data = data
}
