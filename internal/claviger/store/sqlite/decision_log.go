package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

type DecisionLog struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDecisionLog(db *sql.DB, writer *dbpkg.Worker) *DecisionLog {
	return &DecisionLog{db: db, writer: writer}
}

func (s *DecisionLog) RecordDecision(ctx context.Context, rec store.DecisionRecord) error {
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	decidedMs := rec.DecidedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO decisions(person_id, key_id, operator, action, allowed, reason, decided_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			rec.PersonID, rec.KeyID, rec.Operator, rec.Action,
			boolInt(rec.Allowed), rec.Reason, decidedMs,
		); err != nil {
			return fmt.Errorf("RecordDecision: %w", err)
		}
		return nil
	})
}

// PruneOlderThan deletes decision rows with decided_at_ms before the given
// cutoff time.  Returns the number of rows deleted.
//
// Uses the idx_decisions_time index for an efficient range scan.
func (s *DecisionLog) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM decisions
WHERE decided_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
