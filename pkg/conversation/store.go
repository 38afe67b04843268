package conversation

import (
	"sync"
	"time"
)

// Store is the ordered, append-only history of one conversation.
// It is safe for concurrent use; appends are serialized.
type Store struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// FromTurns creates a store from an existing history, rejecting invalid sequences.
func FromTurns(turns []Turn) (*Store, error) {
	if err := ValidateSequence(turns); err != nil {
		return nil, err
	}
	s := &Store{turns: make([]Turn, len(turns))}
	for i, t := range turns {
		s.turns[i] = t.Clone()
	}
	return s, nil
}

// Append adds a turn at the end of the history. On error the store is unchanged.
func (s *Store) Append(t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Turn
	if n := len(s.turns); n > 0 {
		prev = &s.turns[n-1]
	}
	if err := ValidateNext(prev, t); err != nil {
		return err
	}

	t = t.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.turns = append(s.turns, t)
	return nil
}

// Snapshot returns a deep copy of the history.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// Since returns deep copies of the turns from index i onward.
func (s *Store) Since(i int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 {
		i = 0
	}
	if i >= len(s.turns) {
		return nil
	}
	out := make([]Turn, 0, len(s.turns)-i)
	for _, t := range s.turns[i:] {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns a copy of the most recent turn.
func (s *Store) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1].Clone(), true
}
