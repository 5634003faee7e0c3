package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

type exceptionKey struct{ keyID, personID string }

// PolicyStore keeps the access policy in maps. It is intended for tests and
// dev environments.
type PolicyStore struct {
	mu         sync.RWMutex
	locations  map[string]policy.Location
	profiles   map[string]policy.Profile
	keys       map[string]policy.Key
	persons    map[string]policy.Person
	exceptions map[exceptionKey]policy.Exception
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		locations:  make(map[string]policy.Location),
		profiles:   make(map[string]policy.Profile),
		keys:       make(map[string]policy.Key),
		persons:    make(map[string]policy.Person),
		exceptions: make(map[exceptionKey]policy.Exception),
	}
}

func (s *PolicyStore) Ping(context.Context) error { return nil }

func (s *PolicyStore) Person(_ context.Context, id string) (policy.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return policy.Person{}, store.ErrNotFound
	}
	return p, nil
}

func (s *PolicyStore) Key(_ context.Context, id string) (policy.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return policy.Key{}, store.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *PolicyStore) Profile(_ context.Context, id string) (policy.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return policy.Profile{}, store.ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *PolicyStore) Location(_ context.Context, id string) (policy.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return policy.Location{}, store.ErrNotFound
	}
	return l, nil
}

func (s *PolicyStore) Exception(_ context.Context, keyID, personID string) (*policy.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exceptions[exceptionKey{keyID, personID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *PolicyStore) Keys(_ context.Context, f store.KeyFilter) ([]policy.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Key
	for _, k := range s.keys {
		if f.Match(k) {
			out = append(out, cloneKey(k))
		}
	}
	slices.SortFunc(out, func(a, b policy.Key) int {
		return cmp.Or(cmp.Compare(a.Code, b.Code), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *PolicyStore) Persons(_ context.Context, f store.PersonFilter) ([]policy.Person, error) {
	needle := strings.ToLower(strings.TrimSpace(f.Search))

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Person
	for _, p := range s.persons {
		if f.ActiveOnly && !p.Active {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Document), needle) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b policy.Person) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *PolicyStore) Profiles(context.Context) ([]policy.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, cloneProfile(p))
	}
	slices.SortFunc(out, func(a, b policy.Profile) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *PolicyStore) Locations(context.Context) ([]policy.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b policy.Location) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *PolicyStore) Exceptions(_ context.Context, keyID string) ([]policy.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Exception
	for k, e := range s.exceptions {
		if k.keyID == keyID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b policy.Exception) int { return cmp.Compare(a.PersonID, b.PersonID) })
	return out, nil
}

func (s *PolicyStore) PutLocation(_ context.Context, l policy.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
	return nil
}

func (s *PolicyStore) PutProfile(_ context.Context, p policy.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (s *PolicyStore) PutKey(_ context.Context, k policy.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = cloneKey(k)
	return nil
}

func (s *PolicyStore) SetKeyActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	k.Active = active
	s.keys[id] = k
	return nil
}

func (s *PolicyStore) PutPerson(_ context.Context, p policy.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = p
	return nil
}

func (s *PolicyStore) SetPersonActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Active = active
	s.persons[id] = p
	return nil
}

func (s *PolicyStore) PutException(_ context.Context, e policy.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions[exceptionKey{e.KeyID, e.PersonID}] = e
	return nil
}

func (s *PolicyStore) DeleteException(_ context.Context, keyID, personID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := exceptionKey{keyID, personID}
	if _, ok := s.exceptions[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.exceptions, k)
	return nil
}

func (s *PolicyStore) DeleteLocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[id]; !ok {
		return store.ErrNotFound
	}
	for _, k := range s.keys {
		if k.LocationID == id {
			return fmt.Errorf("location %s: key %s: %w", id, k.ID, store.ErrInUse)
		}
	}
	delete(s.locations, id)
	return nil
}

func (s *PolicyStore) DeleteProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return store.ErrNotFound
	}
	for _, k := range s.keys {
		if slices.Contains(k.AllowedProfiles, id) {
			return fmt.Errorf("profile %s: key %s: %w", id, k.ID, store.ErrInUse)
		}
	}
	for _, p := range s.persons {
		if p.ProfileID == id {
			return fmt.Errorf("profile %s: person %s: %w", id, p.ID, store.ErrInUse)
		}
	}
	delete(s.profiles, id)
	return nil
}

func cloneKey(k policy.Key) policy.Key {
	k.AllowedProfiles = slices.Clone(k.AllowedProfiles)
	return k
}

func cloneProfile(p policy.Profile) policy.Profile {
	p.Window.Days = slices.Clone(p.Window.Days)
	return p
}
