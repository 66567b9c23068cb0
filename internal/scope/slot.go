package scope

import "sync"

// Slot holds the recorder that registrations are currently attributed to.
// Activate swaps a recorder in and hands back whatever was there before;
// callers restore that value when their scope body finishes, which makes
// nested scopes behave like a stack without the slot knowing about nesting.
type Slot struct {
	mu     sync.Mutex
	active *Recorder
}

func NewSlot() *Slot {
	return &Slot{}
}

// Activate installs rec as the active recorder and returns the previous one.
func (s *Slot) Activate(rec *Recorder) *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.active
	s.active = rec
	return prev
}

// Restore puts a previously saved recorder back. A nil prev clears the slot.
func (s *Slot) Restore(prev *Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = prev
}

// Active returns the current recorder, or nil when no scope is running.
func (s *Slot) Active() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}
