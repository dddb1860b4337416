package engine

import "sync"

// State boxes composer-private per-composition data. The cache stores it
// next to the entry without interpreting it; only the engine that produced
// it looks inside. Destruction is owner-supplied and runs exactly once, so
// a state can be handed around without tracking who destroys it.
type State struct {
	once    sync.Once
	value   any
	destroy func(any)
}

// NewState boxes a value with its destructor. Either may be nil.
func NewState(value any, destroy func(any)) *State {
	return &State{value: value, destroy: destroy}
}

// Value returns the boxed value. Safe on a nil state.
func (s *State) Value() any {
	if s == nil {
		return nil
	}
	return s.value
}

// Destroy runs the destructor once. Later calls and nil states are no-ops.
func (s *State) Destroy() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.destroy != nil {
			s.destroy(s.value)
		}
	})
}
