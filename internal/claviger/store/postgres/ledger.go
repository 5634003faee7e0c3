package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

const loanColumns = `loan_id::text, key_id, person_id, location_id, checked_out_at, checked_out_by,
  returned_at, returned_by, return_note`

func scanLoan(row pgx.Row) (store.LoanRecord, error) {
	var r store.LoanRecord
	var ret *time.Time
	if err := row.Scan(
		&r.ID, &r.KeyID, &r.PersonID, &r.LocationID, &r.CheckedOutAt, &r.CheckedOutBy,
		&ret, &r.ReturnedBy, &r.ReturnNote,
	); err != nil {
		return store.LoanRecord{}, err
	}
	r.CheckedOutAt = r.CheckedOutAt.UTC()
	if ret != nil {
		t := ret.UTC()
		r.ReturnedAt = &t
	}
	return r, nil
}

func (s *Store) Status(ctx context.Context, keyID string) (store.KeyStatus, error) {
	open, err := collect(ctx, s.pool, "Status", scanLoan, `
SELECT `+loanColumns+` FROM loans WHERE key_id = $1 AND returned_at IS NULL LIMIT 2`, keyID)
	if err != nil {
		return store.KeyStatus{}, err
	}
	switch len(open) {
	case 0:
		return store.KeyStatus{KeyID: keyID}, nil
	case 1:
		return store.StatusOf(open[0]), nil
	default:
		return store.KeyStatus{}, &store.KeyError{KeyID: keyID, Err: fmt.Errorf("%w: multiple open loans", store.ErrIntegrity)}
	}
}

func (s *Store) OpenLoan(ctx context.Context, req store.OpenRequest) (store.LoanRecord, error) {
	recs, err := s.OpenLoans(ctx, []store.OpenRequest{req})
	if err != nil {
		return store.LoanRecord{}, err
	}
	return recs[0], nil
}

// OpenLoans inserts every loan in one transaction. The partial unique index
// on open loans turns a lost race into 23505.
func (s *Store) OpenLoans(ctx context.Context, reqs []store.OpenRequest) ([]store.LoanRecord, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	now := time.Now()
	recs := make([]store.LoanRecord, len(reqs))
	for i, r := range reqs {
		at := r.At
		if at.IsZero() {
			at = now
		}
		recs[i] = store.LoanRecord{
			ID:           uuid.NewString(),
			KeyID:        r.KeyID,
			PersonID:     r.PersonID,
			LocationID:   r.LocationID,
			CheckedOutAt: at.UTC().Truncate(time.Microsecond),
			CheckedOutBy: r.Operator,
		}
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, rec := range recs {
			var held bool
			if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM loans WHERE key_id = $1 AND returned_at IS NULL)`, rec.KeyID).Scan(&held); err != nil {
				return fmt.Errorf("OpenLoans check %s: %w", rec.KeyID, err)
			}
			if held {
				return &store.KeyError{KeyID: rec.KeyID, Err: store.ErrAlreadyInCustody}
			}

			if _, err := tx.Exec(ctx, `
INSERT INTO loans(loan_id, key_id, person_id, location_id, checked_out_at, checked_out_by)
VALUES ($1, $2, $3, $4, $5, $6)`,
				rec.ID, rec.KeyID, rec.PersonID, rec.LocationID, rec.CheckedOutAt, rec.CheckedOutBy); err != nil {
				if dbpkg.IsUniqueViolation(err) {
					return &store.KeyError{KeyID: rec.KeyID, Err: store.ErrConcurrentConflict}
				}
				return fmt.Errorf("OpenLoans insert %s: %w", rec.KeyID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) CloseLoan(ctx context.Context, req store.CloseRequest) (store.LoanRecord, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC().Truncate(time.Microsecond)
	note := strings.TrimSpace(req.Note)

	var out store.LoanRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := scanLoan(tx.QueryRow(ctx, `
SELECT `+loanColumns+` FROM loans WHERE key_id = $1 AND returned_at IS NULL FOR UPDATE`, req.KeyID))
		if errors.Is(err, pgx.ErrNoRows) {
			return &store.KeyError{KeyID: req.KeyID, Err: store.ErrNoOpenLoan}
		}
		if err != nil {
			return fmt.Errorf("CloseLoan lookup: %w", err)
		}
		if at.Before(rec.CheckedOutAt) {
			return &store.KeyError{KeyID: req.KeyID, Err: store.ErrReturnBeforeCheckout}
		}

		if _, err := tx.Exec(ctx, `
UPDATE loans SET returned_at = $2, returned_by = $3, return_note = $4
WHERE loan_id = $1 AND returned_at IS NULL`, rec.ID, at, req.Operator, note); err != nil {
			return fmt.Errorf("CloseLoan update: %w", err)
		}
		rec.ReturnedAt = &at
		rec.ReturnedBy = req.Operator
		rec.ReturnNote = note
		out = rec
		return nil
	})
	return out, err
}

func (s *Store) History(ctx context.Context, f store.LoanFilter) iter.Seq2[store.LoanRecord, error] {
	q, args := historyQuery(f)
	return func(yield func(store.LoanRecord, error) bool) {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			yield(store.LoanRecord{}, fmt.Errorf("History: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanLoan(rows)
			if err == nil {
				err = rec.Check()
			}
			if err != nil {
				yield(store.LoanRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.LoanRecord{}, fmt.Errorf("History: %w", err))
		}
	}
}

func historyQuery(f store.LoanFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PersonID != "" {
		add("person_id = $%d", f.PersonID)
	}
	if f.KeyID != "" {
		add("key_id = $%d", f.KeyID)
	}
	if f.LocationID != "" {
		add("location_id = $%d", f.LocationID)
	}
	if !f.From.IsZero() {
		add("checked_out_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("checked_out_at < $%d", f.To)
	}
	if f.OpenOnly {
		where = append(where, "returned_at IS NULL")
	}

	q := "SELECT " + loanColumns + " FROM loans"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == store.OrderDesc {
		q += " ORDER BY checked_out_at DESC, seq DESC"
	} else {
		q += " ORDER BY checked_out_at ASC, seq ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}
