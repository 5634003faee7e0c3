package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// DecisionLog is an in-memory append-only log of access decisions.
// It is intended for use in tests and dev environments.
type DecisionLog struct {
	mu        sync.Mutex
	decisions []store.DecisionRecord
}

func NewDecisionLog() *DecisionLog {
	return &DecisionLog{}
}

func (s *DecisionLog) RecordDecision(_ context.Context, rec store.DecisionRecord) error {
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, rec)
	return nil
}

func (s *DecisionLog) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.decisions[:0]
	for _, d := range s.decisions {
		if !d.DecidedAt.Before(cutoff) {
			kept = append(kept, d)
		}
	}
	n := int64(len(s.decisions) - len(kept))
	clear(s.decisions[len(kept):])
	s.decisions = kept
	return n, nil
}

// Decisions returns a copy of all recorded decisions.  Test-only helper.
func (s *DecisionLog) Decisions() []store.DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}
