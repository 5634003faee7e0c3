package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

// QueryService answers read-only questions about keys and custody. It never
// writes.
type QueryService struct {
	policies  store.PolicyReader
	ledger    store.Ledger
	evaluator *AccessEvaluator
	loc       *time.Location
	logger    *slog.Logger
}

func NewQueryService(
	policies store.PolicyReader,
	ledger store.Ledger,
	evaluator *AccessEvaluator,
	logger *slog.Logger,
) *QueryService {
	return &QueryService{
		policies:  policies,
		ledger:    ledger,
		evaluator: evaluator,
		loc:       evaluator.Location(),
		logger:    logger.With(slog.String("component", "query")),
	}
}

// AvailableKeys lists the enabled keys at locationID (every location when
// empty) that are not held and that personID may take at now. An inactive
// person gets an empty list.
func (q *QueryService) AvailableKeys(ctx context.Context, personID, locationID string, now time.Time) ([]types.KeyView, error) {
	person, err := q.policies.Person(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("person %s: %w", personID, err)
	}
	out := []types.KeyView{}
	if !person.Active {
		return out, nil
	}

	keys, err := q.policies.Keys(ctx, store.KeyFilter{LocationID: locationID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	held, err := q.openLoans(ctx)
	if err != nil {
		return nil, err
	}
	dir := newDirectory(q.loc)
	if err := dir.loadLocations(ctx, q.policies); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if _, ok := held[k.ID]; ok {
			continue
		}
		d, err := q.evaluator.decide(ctx, q.policies, person, k, now)
		if err != nil {
			return nil, err
		}
		if d.Allow {
			out = append(out, dir.keyView(k, nil))
		}
	}
	return out, nil
}

// InCustody lists the keys currently held at locationID with their holders.
func (q *QueryService) InCustody(ctx context.Context, locationID string) ([]types.KeyView, error) {
	views, err := q.Keys(ctx, locationID, "")
	if err != nil {
		return nil, err
	}
	out := []types.KeyView{}
	for _, v := range views {
		if v.Status == types.KeyInCustody {
			out = append(out, v)
		}
	}
	return out, nil
}

// Keys lists every key at locationID, enabled or not, with its custody
// status. search narrows by code or name.
func (q *QueryService) Keys(ctx context.Context, locationID, search string) ([]types.KeyView, error) {
	keys, err := q.policies.Keys(ctx, store.KeyFilter{LocationID: locationID, Search: search})
	if err != nil {
		return nil, err
	}
	held, err := q.openLoans(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := q.preload(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.KeyView, 0, len(keys))
	for _, k := range keys {
		var loan *store.LoanRecord
		if rec, ok := held[k.ID]; ok {
			loan = &rec
		}
		out = append(out, dir.keyView(k, loan))
	}
	return out, nil
}

func (q *QueryService) KeyStatus(ctx context.Context, keyID string) (types.KeyView, error) {
	key, err := q.policies.Key(ctx, keyID)
	if err != nil {
		return types.KeyView{}, fmt.Errorf("key %s: %w", keyID, err)
	}
	st, err := q.ledger.Status(ctx, keyID)
	if err != nil {
		q.logIntegrity(err)
		return types.KeyView{}, err
	}

	dir := newDirectory(q.loc)
	if err := dir.ensureLocation(ctx, q.policies, key.LocationID); err != nil {
		return types.KeyView{}, err
	}
	if !st.InCustody {
		return dir.keyView(key, nil), nil
	}
	if err := dir.ensurePerson(ctx, q.policies, st.PersonID); err != nil {
		return types.KeyView{}, err
	}
	loan := store.LoanRecord{ID: st.LoanID, KeyID: keyID, PersonID: st.PersonID, CheckedOutAt: st.Since}
	return dir.keyView(key, &loan), nil
}

// History yields loans as report rows. Names are loaded before the ledger is
// ranged so no policy query runs while ledger rows are open.
func (q *QueryService) History(ctx context.Context, f store.LoanFilter) iter.Seq2[types.LoanView, error] {
	return func(yield func(types.LoanView, error) bool) {
		dir, err := q.preload(ctx)
		if err != nil {
			yield(types.LoanView{}, err)
			return
		}
		for rec, err := range q.ledger.History(ctx, f) {
			if err != nil {
				q.logIntegrity(err)
				yield(types.LoanView{}, err)
				return
			}
			if !yield(dir.loanView(rec), nil) {
				return
			}
		}
	}
}

// LoanViews resolves display names for a handful of loans.
func (q *QueryService) LoanViews(ctx context.Context, recs []store.LoanRecord) ([]types.LoanView, error) {
	dir := newDirectory(q.loc)
	out := make([]types.LoanView, 0, len(recs))
	for _, rec := range recs {
		if err := dir.ensureLoan(ctx, q.policies, rec); err != nil {
			return nil, err
		}
		out = append(out, dir.loanView(rec))
	}
	return out, nil
}

// Summary counts keys at locationID by custody state. Held keys count as in
// custody even when disabled.
func (q *QueryService) Summary(ctx context.Context, locationID string) (types.Summary, error) {
	keys, err := q.policies.Keys(ctx, store.KeyFilter{LocationID: locationID})
	if err != nil {
		return types.Summary{}, err
	}
	held, err := q.openLoans(ctx)
	if err != nil {
		return types.Summary{}, err
	}

	sum := types.Summary{LocationID: locationID, Total: len(keys)}
	for _, k := range keys {
		_, isHeld := held[k.ID]
		switch {
		case isHeld:
			sum.InCustody++
		case !k.Active:
			sum.Inactive++
		default:
			sum.Available++
		}
	}
	return sum, nil
}

// openLoans drains the open-loan history into a map keyed by key id.
func (q *QueryService) openLoans(ctx context.Context) (map[string]store.LoanRecord, error) {
	out := make(map[string]store.LoanRecord)
	for rec, err := range q.ledger.History(ctx, store.LoanFilter{OpenOnly: true}) {
		if err != nil {
			q.logIntegrity(err)
			return nil, err
		}
		if _, dup := out[rec.KeyID]; dup {
			err := &store.KeyError{KeyID: rec.KeyID, Err: fmt.Errorf("%w: multiple open loans", store.ErrIntegrity)}
			q.logIntegrity(err)
			return nil, err
		}
		out[rec.KeyID] = rec
	}
	return out, nil
}

func (q *QueryService) preload(ctx context.Context) (*directory, error) {
	dir := newDirectory(q.loc)
	if err := dir.loadAll(ctx, q.policies); err != nil {
		return nil, err
	}
	return dir, nil
}

func (q *QueryService) logIntegrity(err error) {
	if errors.Is(err, store.ErrIntegrity) {
		integrityFaultsTotal.Inc()
		q.logger.Error("custody ledger integrity violation", slog.String("error", err.Error()))
	}
}

// directory caches the names that turn ledger rows into report rows.
type directory struct {
	loc       *time.Location
	keys      map[string]policy.Key
	persons   map[string]policy.Person
	locations map[string]policy.Location
}

func newDirectory(loc *time.Location) *directory {
	return &directory{
		loc:       loc,
		keys:      make(map[string]policy.Key),
		persons:   make(map[string]policy.Person),
		locations: make(map[string]policy.Location),
	}
}

func (d *directory) loadLocations(ctx context.Context, r store.PolicyReader) error {
	locs, err := r.Locations(ctx)
	if err != nil {
		return err
	}
	for _, l := range locs {
		d.locations[l.ID] = l
	}
	return nil
}

func (d *directory) loadAll(ctx context.Context, r store.PolicyReader) error {
	keys, err := r.Keys(ctx, store.KeyFilter{})
	if err != nil {
		return err
	}
	for _, k := range keys {
		d.keys[k.ID] = k
	}
	persons, err := r.Persons(ctx, store.PersonFilter{})
	if err != nil {
		return err
	}
	for _, p := range persons {
		d.persons[p.ID] = p
	}
	return d.loadLocations(ctx, r)
}

// ensure* fill single entries; a missing record leaves the name blank.

func (d *directory) ensureLoan(ctx context.Context, r store.PolicyReader, rec store.LoanRecord) error {
	if _, ok := d.keys[rec.KeyID]; !ok {
		k, err := r.Key(ctx, rec.KeyID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			d.keys[k.ID] = k
		}
	}
	if err := d.ensurePerson(ctx, r, rec.PersonID); err != nil {
		return err
	}
	return d.ensureLocation(ctx, r, rec.LocationID)
}

func (d *directory) ensurePerson(ctx context.Context, r store.PolicyReader, id string) error {
	if _, ok := d.persons[id]; ok || id == "" {
		return nil
	}
	p, err := r.Person(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	d.persons[id] = p
	return nil
}

func (d *directory) ensureLocation(ctx context.Context, r store.PolicyReader, id string) error {
	if _, ok := d.locations[id]; ok || id == "" {
		return nil
	}
	l, err := r.Location(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	d.locations[id] = l
	return nil
}

func (d *directory) keyView(k policy.Key, loan *store.LoanRecord) types.KeyView {
	v := types.KeyView{
		ID:           k.ID,
		Code:         k.Code,
		Name:         k.Name,
		Description:  k.Description,
		LocationID:   k.LocationID,
		LocationName: d.locations[k.LocationID].Name,
		Active:       k.Active,
		Status:       types.KeyAvailable,
	}
	if loan != nil {
		v.Status = types.KeyInCustody
		v.LoanID = loan.ID
		v.HolderID = loan.PersonID
		v.HolderName = d.persons[loan.PersonID].Name
		v.Since = formatOptionalTime(&loan.CheckedOutAt, d.loc)
	}
	return v
}

func (d *directory) loanView(rec store.LoanRecord) types.LoanView {
	k := d.keys[rec.KeyID]
	status := types.LoanInUse
	if !rec.Open() {
		status = types.LoanReturned
	}
	return types.LoanView{
		ID:           rec.ID,
		KeyID:        rec.KeyID,
		KeyCode:      k.Code,
		KeyName:      k.Name,
		PersonID:     rec.PersonID,
		PersonName:   d.persons[rec.PersonID].Name,
		LocationID:   rec.LocationID,
		LocationName: d.locations[rec.LocationID].Name,
		CheckedOutAt: formatTime(rec.CheckedOutAt, d.loc),
		CheckedOutBy: rec.CheckedOutBy,
		ReturnedAt:   formatOptionalTime(rec.ReturnedAt, d.loc),
		ReturnedBy:   rec.ReturnedBy,
		ReturnNote:   rec.ReturnNote,
		Status:       status,
	}
}
