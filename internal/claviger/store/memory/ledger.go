package memory

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// slot serializes custody changes for one key. open indexes into
// Ledger.loans, or is -1 when the key is available.
type slot struct {
	mu   sync.Mutex
	open int
}

// Ledger is an in-memory custody ledger. Writers lock only the slots of the
// keys they touch, in sorted order, so unrelated keys never contend.
type Ledger struct {
	slotsMu sync.Mutex
	slots   map[string]*slot

	loansMu sync.RWMutex
	loans   []store.LoanRecord
}

func NewLedger() *Ledger {
	return &Ledger{slots: make(map[string]*slot)}
}

func (l *Ledger) slot(keyID string) *slot {
	l.slotsMu.Lock()
	defer l.slotsMu.Unlock()
	s, ok := l.slots[keyID]
	if !ok {
		s = &slot{open: -1}
		l.slots[keyID] = s
	}
	return s
}

func (l *Ledger) loan(i int) store.LoanRecord {
	l.loansMu.RLock()
	defer l.loansMu.RUnlock()
	return l.loans[i]
}

func (l *Ledger) Status(_ context.Context, keyID string) (store.KeyStatus, error) {
	s := l.slot(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open < 0 {
		return store.KeyStatus{KeyID: keyID}, nil
	}
	return store.StatusOf(l.loan(s.open)), nil
}

func (l *Ledger) OpenLoan(ctx context.Context, req store.OpenRequest) (store.LoanRecord, error) {
	recs, err := l.OpenLoans(ctx, []store.OpenRequest{req})
	if err != nil {
		return store.LoanRecord{}, err
	}
	return recs[0], nil
}

func (l *Ledger) OpenLoans(ctx context.Context, reqs []store.OpenRequest) ([]store.LoanRecord, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.KeyID
	}
	slices.Sort(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return nil, &store.KeyError{KeyID: ids[i], Err: store.ErrAlreadyInCustody}
		}
	}

	locked := make(map[string]*slot, len(ids))
	for _, id := range ids {
		s := l.slot(id)
		s.mu.Lock()
		locked[id] = s
	}
	defer func() {
		for _, s := range locked {
			s.mu.Unlock()
		}
	}()

	for _, r := range reqs {
		if locked[r.KeyID].open >= 0 {
			return nil, &store.KeyError{KeyID: r.KeyID, Err: store.ErrAlreadyInCustody}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]store.LoanRecord, len(reqs))
	l.loansMu.Lock()
	defer l.loansMu.Unlock()
	for i, r := range reqs {
		at := r.At
		if at.IsZero() {
			at = time.Now()
		}
		rec := store.LoanRecord{
			ID:           uuid.NewString(),
			KeyID:        r.KeyID,
			PersonID:     r.PersonID,
			LocationID:   r.LocationID,
			CheckedOutAt: at.UTC(),
			CheckedOutBy: r.Operator,
		}
		locked[r.KeyID].open = len(l.loans)
		l.loans = append(l.loans, rec)
		out[i] = rec
	}
	return out, nil
}

func (l *Ledger) CloseLoan(_ context.Context, req store.CloseRequest) (store.LoanRecord, error) {
	s := l.slot(req.KeyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open < 0 {
		return store.LoanRecord{}, &store.KeyError{KeyID: req.KeyID, Err: store.ErrNoOpenLoan}
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	l.loansMu.Lock()
	defer l.loansMu.Unlock()
	rec := l.loans[s.open]
	if at.Before(rec.CheckedOutAt) {
		return store.LoanRecord{}, &store.KeyError{KeyID: req.KeyID, Err: store.ErrReturnBeforeCheckout}
	}
	rec.ReturnedAt = &at
	rec.ReturnedBy = req.Operator
	rec.ReturnNote = strings.TrimSpace(req.Note)
	l.loans[s.open] = rec
	s.open = -1
	return rec, nil
}

func (l *Ledger) History(ctx context.Context, f store.LoanFilter) iter.Seq2[store.LoanRecord, error] {
	return func(yield func(store.LoanRecord, error) bool) {
		l.loansMu.RLock()
		var matched []store.LoanRecord
		for _, rec := range l.loans {
			if f.Match(rec) {
				matched = append(matched, rec)
			}
		}
		l.loansMu.RUnlock()

		// Callers may supply explicit instants, so append order is not
		// checkout order.
		slices.SortStableFunc(matched, func(a, b store.LoanRecord) int {
			return a.CheckedOutAt.Compare(b.CheckedOutAt)
		})
		if f.Order == store.OrderDesc {
			slices.Reverse(matched)
		}
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}

		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(store.LoanRecord{}, err)
				return
			}
			if err := rec.Check(); err != nil {
				yield(store.LoanRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
