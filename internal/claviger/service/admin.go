package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

// Invalidator is implemented by caches that must forget policy records
// after an administrative write.
type Invalidator interface {
	Invalidate()
}

// PolicyAdmin validates and applies changes to keys, profiles, persons,
// exceptions and locations. Changes are not coordinated with in-flight
// checkouts; they apply from the next evaluation.
type PolicyAdmin struct {
	store  store.PolicyStore
	cache  Invalidator
	logger *slog.Logger
}

// NewPolicyAdmin wires the admin service. cache may be nil.
func NewPolicyAdmin(ps store.PolicyStore, cache Invalidator, logger *slog.Logger) *PolicyAdmin {
	return &PolicyAdmin{
		store:  ps,
		cache:  cache,
		logger: logger.With(slog.String("component", "policy_admin")),
	}
}

// ── Locations ───────────────────────────────────────────────────────────────

func (a *PolicyAdmin) PutLocation(ctx context.Context, id string, in types.LocationInput) (types.LocationView, error) {
	id = strings.TrimSpace(id)
	name := strings.TrimSpace(in.Name)
	if id == "" || name == "" {
		return types.LocationView{}, invalidf("location id and name are required")
	}
	if err := a.store.PutLocation(ctx, policy.Location{ID: id, Name: name}); err != nil {
		return types.LocationView{}, err
	}
	a.changed("location", id)
	return types.LocationView{ID: id, Name: name}, nil
}

func (a *PolicyAdmin) Locations(ctx context.Context) ([]types.LocationView, error) {
	locs, err := a.store.Locations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.LocationView, 0, len(locs))
	for _, l := range locs {
		out = append(out, types.LocationView{ID: l.ID, Name: l.Name})
	}
	return out, nil
}

// DeleteLocation removes a location no key belongs to.
func (a *PolicyAdmin) DeleteLocation(ctx context.Context, id string) error {
	if err := a.store.DeleteLocation(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	a.changed("location", id)
	return nil
}

// ── Profiles ────────────────────────────────────────────────────────────────

func (a *PolicyAdmin) PutProfile(ctx context.Context, id string, in types.ProfileInput) (types.ProfileView, error) {
	id = strings.TrimSpace(id)
	name := strings.TrimSpace(in.Name)
	if id == "" || name == "" {
		return types.ProfileView{}, invalidf("profile id and name are required")
	}

	var w policy.Window
	for _, d := range in.Days {
		w.Days = append(w.Days, time.Weekday(d))
	}
	var err error
	if w.Start, err = optionalTimeOfDay(in.Start); err != nil {
		return types.ProfileView{}, invalid(err)
	}
	if w.End, err = optionalTimeOfDay(in.End); err != nil {
		return types.ProfileView{}, invalid(err)
	}
	if err := w.Validate(); err != nil {
		return types.ProfileView{}, invalid(err)
	}
	slices.Sort(w.Days)

	p := policy.Profile{ID: id, Name: name, Window: w}
	if err := a.store.PutProfile(ctx, p); err != nil {
		return types.ProfileView{}, err
	}
	a.changed("profile", id)
	return profileView(p), nil
}

// DeleteProfile removes a profile that no key allows and no person holds.
func (a *PolicyAdmin) DeleteProfile(ctx context.Context, id string) error {
	if err := a.store.DeleteProfile(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	a.changed("profile", id)
	return nil
}

func (a *PolicyAdmin) Profiles(ctx context.Context) ([]types.ProfileView, error) {
	profs, err := a.store.Profiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.ProfileView, 0, len(profs))
	for _, p := range profs {
		out = append(out, profileView(p))
	}
	return out, nil
}

// ── Keys ────────────────────────────────────────────────────────────────────

// PutKey creates or replaces a key. The location and every allowed profile
// must already exist.
func (a *PolicyAdmin) PutKey(ctx context.Context, id string, in types.KeyInput) (types.KeyView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.KeyView{}, ErrInvalidKeyID
	}
	k := policy.Key{
		ID:          id,
		Code:        cmp.Or(strings.TrimSpace(in.Code), id),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		LocationID:  strings.TrimSpace(in.LocationID),
		Active:      in.Active == nil || *in.Active,
	}
	if k.Name == "" || k.LocationID == "" {
		return types.KeyView{}, invalidf("key name and location_id are required")
	}

	loc, err := a.store.Location(ctx, k.LocationID)
	if err != nil {
		return types.KeyView{}, fmt.Errorf("location %s: %w", k.LocationID, err)
	}
	for _, pid := range in.AllowedProfiles {
		pid = strings.TrimSpace(pid)
		if pid == "" || slices.Contains(k.AllowedProfiles, pid) {
			continue
		}
		if _, err := a.store.Profile(ctx, pid); err != nil {
			return types.KeyView{}, fmt.Errorf("profile %s: %w", pid, err)
		}
		k.AllowedProfiles = append(k.AllowedProfiles, pid)
	}

	if err := a.store.PutKey(ctx, k); err != nil {
		return types.KeyView{}, err
	}
	a.changed("key", id)

	dir := newDirectory(nil)
	dir.locations[loc.ID] = loc
	return dir.keyView(k, nil), nil
}

func (a *PolicyAdmin) SetKeyActive(ctx context.Context, id string, active bool) error {
	if err := a.store.SetKeyActive(ctx, id, active); err != nil {
		return err
	}
	a.changed("key", id)
	return nil
}

// ── Persons ─────────────────────────────────────────────────────────────────

func (a *PolicyAdmin) PutPerson(ctx context.Context, id string, in types.PersonInput) (types.PersonView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.PersonView{}, ErrInvalidPersonID
	}
	p := policy.Person{
		ID:        id,
		Name:      strings.TrimSpace(in.Name),
		Document:  strings.TrimSpace(in.Document),
		Phone:     strings.TrimSpace(in.Phone),
		ProfileID: strings.TrimSpace(in.ProfileID),
		Active:    in.Active == nil || *in.Active,
	}
	if p.Name == "" {
		return types.PersonView{}, invalidf("person name is required")
	}
	if p.ProfileID != "" {
		if _, err := a.store.Profile(ctx, p.ProfileID); err != nil {
			return types.PersonView{}, fmt.Errorf("profile %s: %w", p.ProfileID, err)
		}
	}

	if err := a.store.PutPerson(ctx, p); err != nil {
		return types.PersonView{}, err
	}
	a.changed("person", id)
	return personView(p), nil
}

func (a *PolicyAdmin) SetPersonActive(ctx context.Context, id string, active bool) error {
	if err := a.store.SetPersonActive(ctx, id, active); err != nil {
		return err
	}
	a.changed("person", id)
	return nil
}

// Persons lists people whose name or document contains search.
func (a *PolicyAdmin) Persons(ctx context.Context, search string, activeOnly bool) ([]types.PersonView, error) {
	persons, err := a.store.Persons(ctx, store.PersonFilter{Search: strings.TrimSpace(search), ActiveOnly: activeOnly})
	if err != nil {
		return nil, err
	}
	out := make([]types.PersonView, 0, len(persons))
	for _, p := range persons {
		out = append(out, personView(p))
	}
	return out, nil
}

// ── Exceptions ──────────────────────────────────────────────────────────────

func (a *PolicyAdmin) PutException(ctx context.Context, keyID, personID string, in types.ExceptionInput) (types.ExceptionView, error) {
	keyID = strings.TrimSpace(keyID)
	personID = strings.TrimSpace(personID)
	if keyID == "" {
		return types.ExceptionView{}, ErrInvalidKeyID
	}
	if personID == "" {
		return types.ExceptionView{}, ErrInvalidPersonID
	}

	e := policy.Exception{KeyID: keyID, PersonID: personID}
	if s := strings.TrimSpace(in.ValidUntil); s != "" {
		d, err := policy.ParseDate(s)
		if err != nil {
			return types.ExceptionView{}, invalid(err)
		}
		e.ValidUntil = &d
	}
	var err error
	if e.Start, err = optionalTimeOfDay(in.Start); err != nil {
		return types.ExceptionView{}, invalid(err)
	}
	if e.End, err = optionalTimeOfDay(in.End); err != nil {
		return types.ExceptionView{}, invalid(err)
	}
	if err := e.Validate(); err != nil {
		return types.ExceptionView{}, invalid(err)
	}

	if _, err := a.store.Key(ctx, keyID); err != nil {
		return types.ExceptionView{}, fmt.Errorf("key %s: %w", keyID, err)
	}
	if _, err := a.store.Person(ctx, personID); err != nil {
		return types.ExceptionView{}, fmt.Errorf("person %s: %w", personID, err)
	}

	if err := a.store.PutException(ctx, e); err != nil {
		return types.ExceptionView{}, err
	}
	a.changed("exception", keyID+"/"+personID)
	return exceptionView(e), nil
}

func (a *PolicyAdmin) DeleteException(ctx context.Context, keyID, personID string) error {
	if err := a.store.DeleteException(ctx, keyID, personID); err != nil {
		return err
	}
	a.changed("exception", keyID+"/"+personID)
	return nil
}

// Exceptions lists the overrides attached to keyID.
func (a *PolicyAdmin) Exceptions(ctx context.Context, keyID string) ([]types.ExceptionView, error) {
	if _, err := a.store.Key(ctx, keyID); err != nil {
		return nil, fmt.Errorf("key %s: %w", keyID, err)
	}
	excs, err := a.store.Exceptions(ctx, keyID)
	if err != nil {
		return nil, err
	}
	out := make([]types.ExceptionView, 0, len(excs))
	for _, e := range excs {
		out = append(out, exceptionView(e))
	}
	return out, nil
}

func (a *PolicyAdmin) changed(kind, id string) {
	if a.cache != nil {
		a.cache.Invalidate()
	}
	a.logger.Info("policy updated", slog.String("kind", kind), slog.String("id", id))
}

// ── Views ───────────────────────────────────────────────────────────────────

func profileView(p policy.Profile) types.ProfileView {
	v := types.ProfileView{ID: p.ID, Name: p.Name, Days: make([]int, 0, len(p.Window.Days))}
	for _, d := range p.Window.Days {
		v.Days = append(v.Days, int(d))
	}
	if p.Window.Start != nil {
		v.Start = p.Window.Start.String()
	}
	if p.Window.End != nil {
		v.End = p.Window.End.String()
	}
	return v
}

func personView(p policy.Person) types.PersonView {
	return types.PersonView{
		ID:        p.ID,
		Name:      p.Name,
		Document:  p.Document,
		Phone:     p.Phone,
		ProfileID: p.ProfileID,
		Active:    p.Active,
	}
}

func exceptionView(e policy.Exception) types.ExceptionView {
	v := types.ExceptionView{KeyID: e.KeyID, PersonID: e.PersonID}
	if e.ValidUntil != nil {
		v.ValidUntil = e.ValidUntil.String()
	}
	if e.Start != nil {
		v.Start = e.Start.String()
	}
	if e.End != nil {
		v.End = e.End.String()
	}
	return v
}

func optionalTimeOfDay(s string) (*policy.TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := policy.ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
