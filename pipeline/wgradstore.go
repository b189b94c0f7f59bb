package pipeline

import (
	"github.com/gomlx/exceptions"
	"github.com/unixpickle/essentials"
)

// A WeightGradStore queues deferred weight-gradient work so that it can
// be executed inside pipeline bubbles (the zero-bubble technique).
//
// Work is pushed while the store is enabled, grouped by Flush into one
// entry per backward chunk, and drained strictly first-in first-out by
// Pop. The store must be empty at the start and end of every step.
type WeightGradStore struct {
	enabled bool
	cache   []WeightWork
	queue   [][]WeightWork
}

// Enabled reports whether pushed work is being deferred.
func (s *WeightGradStore) Enabled() bool { return s.enabled }

// SetEnabled switches deferral on or off. While off, backward paths run
// weight-gradient work immediately instead of pushing it.
func (s *WeightGradStore) SetEnabled(enabled bool) { s.enabled = enabled }

// Push defers one unit of weight-gradient work. Pushing while the store
// is disabled is a scheduling bug.
func (s *WeightGradStore) Push(w WeightWork) {
	if !s.enabled {
		exceptions.Panicf("WeightGradStore.Push: store is disabled")
	}
	s.cache = append(s.cache, w)
}

// Flush seals the work pushed since the previous Flush into one queue
// entry, making it available to Pop. An empty entry is still an entry:
// Pop order and count must match Flush order and count.
func (s *WeightGradStore) Flush() {
	s.queue = append(s.queue, s.cache)
	s.cache = nil
}

// Pop removes the oldest queue entry and executes all of its work.
// Popping an empty store is a scheduling bug.
func (s *WeightGradStore) Pop() {
	if len(s.queue) == 0 {
		exceptions.Panicf("WeightGradStore.Pop: store is empty")
	}
	group := s.queue[0]
	essentials.OrderedDelete(&s.queue, 0)
	for _, w := range group {
		w()
	}
}

// Empty reports whether no work is cached or queued.
func (s *WeightGradStore) Empty() bool {
	return len(s.cache) == 0 && len(s.queue) == 0
}

// Reset discards all state, disabling the store.
func (s *WeightGradStore) Reset() {
	s.enabled = false
	s.cache = nil
	s.queue = nil
}
