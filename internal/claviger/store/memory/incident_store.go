package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

type IncidentStore struct {
	mu        sync.RWMutex
	incidents []store.IncidentRecord
}

func NewIncidentStore() *IncidentStore {
	return &IncidentStore{}
}

func (s *IncidentStore) CreateIncident(_ context.Context, rec store.IncidentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, rec)
	return nil
}

func (s *IncidentStore) Incidents(_ context.Context, f store.IncidentFilter) ([]store.IncidentRecord, error) {
	s.mu.RLock()
	var out []store.IncidentRecord
	for _, rec := range s.incidents {
		if f.LocationID == "" || rec.LocationID == f.LocationID {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b store.IncidentRecord) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
