package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

// Ledger stores loans in the loans table. The partial unique index
// ux_loans_open_key enforces at most one open loan per key.
type Ledger struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLedger(db *sql.DB, writer *dbpkg.Worker) *Ledger {
	return &Ledger{db: db, writer: writer}
}

func (l *Ledger) Status(ctx context.Context, keyID string) (store.KeyStatus, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+loanColumns+`
FROM loans WHERE key_id = ? AND returned_at_ms IS NULL
LIMIT 2;
`, keyID)
	if err != nil {
		return store.KeyStatus{}, fmt.Errorf("Status: %w", err)
	}
	defer rows.Close()

	var open []store.LoanRecord
	for rows.Next() {
		rec, err := scanLoan(rows)
		if err != nil {
			return store.KeyStatus{}, fmt.Errorf("Status scan: %w", err)
		}
		open = append(open, rec)
	}
	if err := rows.Err(); err != nil {
		return store.KeyStatus{}, fmt.Errorf("Status: %w", err)
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

func (l *Ledger) OpenLoan(ctx context.Context, req store.OpenRequest) (store.LoanRecord, error) {
	recs, err := l.OpenLoans(ctx, []store.OpenRequest{req})
	if err != nil {
		return store.LoanRecord{}, err
	}
	return recs[0], nil
}

// OpenLoans inserts every loan in one transaction on the writer.
func (l *Ledger) OpenLoans(ctx context.Context, reqs []store.OpenRequest) ([]store.LoanRecord, error) {
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
			CheckedOutAt: fromMs(at.UnixMilli()),
			CheckedOutBy: r.Operator,
		}
	}

	err := l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, rec := range recs {
			var one int
			err := tx.QueryRowContext(ctx, `
SELECT 1 FROM loans WHERE key_id = ? AND returned_at_ms IS NULL LIMIT 1;
`, rec.KeyID).Scan(&one)
			if err == nil {
				return &store.KeyError{KeyID: rec.KeyID, Err: store.ErrAlreadyInCustody}
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("OpenLoans check %s: %w", rec.KeyID, err)
			}

			if _, err := tx.ExecContext(ctx, `
INSERT INTO loans(loan_id, key_id, person_id, location_id, checked_out_at_ms, checked_out_by)
VALUES (?, ?, ?, ?, ?, ?);
`, rec.ID, rec.KeyID, rec.PersonID, rec.LocationID, rec.CheckedOutAt.UnixMilli(), rec.CheckedOutBy); err != nil {
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

func (l *Ledger) CloseLoan(ctx context.Context, req store.CloseRequest) (store.LoanRecord, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	atMs := at.UnixMilli()
	note := strings.TrimSpace(req.Note)

	var out store.LoanRecord
	err := l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rec, err := scanLoan(tx.QueryRowContext(ctx, `
SELECT `+loanColumns+`
FROM loans WHERE key_id = ? AND returned_at_ms IS NULL;
`, req.KeyID))
		if errors.Is(err, sql.ErrNoRows) {
			return &store.KeyError{KeyID: req.KeyID, Err: store.ErrNoOpenLoan}
		}
		if err != nil {
			return fmt.Errorf("CloseLoan lookup: %w", err)
		}
		if atMs < rec.CheckedOutAt.UnixMilli() {
			return &store.KeyError{KeyID: req.KeyID, Err: store.ErrReturnBeforeCheckout}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE loans
SET returned_at_ms = ?, returned_by = ?, return_note = ?
WHERE loan_id = ? AND returned_at_ms IS NULL;
`, atMs, req.Operator, note, rec.ID); err != nil {
			return fmt.Errorf("CloseLoan update: %w", err)
		}

		ret := fromMs(atMs)
		rec.ReturnedAt = &ret
		rec.ReturnedBy = req.Operator
		rec.ReturnNote = note
		out = rec
		return nil
	})
	return out, err
}

// History streams matching loans. The connection pool holds a single
// connection, so the consumer must not query the same database while
// ranging.
func (l *Ledger) History(ctx context.Context, f store.LoanFilter) iter.Seq2[store.LoanRecord, error] {
	q, args := historyQuery(f)
	return func(yield func(store.LoanRecord, error) bool) {
		rows, err := l.db.QueryContext(ctx, q, args...)
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
	if f.PersonID != "" {
		where = append(where, "person_id = ?")
		args = append(args, f.PersonID)
	}
	if f.KeyID != "" {
		where = append(where, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}
	if !f.From.IsZero() {
		where = append(where, "checked_out_at_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "checked_out_at_ms < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.OpenOnly {
		where = append(where, "returned_at_ms IS NULL")
	}

	q := "SELECT " + loanColumns + " FROM loans"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == store.OrderDesc {
		q += " ORDER BY checked_out_at_ms DESC, seq DESC"
	} else {
		q += " ORDER BY checked_out_at_ms ASC, seq ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return q, args
}
