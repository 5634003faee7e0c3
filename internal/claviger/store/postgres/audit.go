package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

func (s *Store) RecordDecision(ctx context.Context, rec store.DecisionRecord) error {
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO decisions(person_id, key_id, operator, action, allowed, reason, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.PersonID, rec.KeyID, rec.Operator, rec.Action, rec.Allowed, rec.Reason, rec.DecidedAt.UTC(),
	); err != nil {
		return fmt.Errorf("RecordDecision: %w", err)
	}
	return nil
}

func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM decisions WHERE decided_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("PruneOlderThan: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateIncident(ctx context.Context, rec store.IncidentRecord) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO incidents(incident_id, location_id, reported_by, description, occurred_at)
VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.LocationID, rec.ReportedBy, rec.Description, rec.OccurredAt.UTC(),
	); err != nil {
		return fmt.Errorf("CreateIncident: %w", err)
	}
	return nil
}

func (s *Store) Incidents(ctx context.Context, f store.IncidentFilter) ([]store.IncidentRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	return collect(ctx, s.pool, "Incidents", func(row pgx.Row) (store.IncidentRecord, error) {
		var rec store.IncidentRecord
		if err := row.Scan(&rec.ID, &rec.LocationID, &rec.ReportedBy, &rec.Description, &rec.OccurredAt); err != nil {
			return store.IncidentRecord{}, err
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		return rec, nil
	}, `
SELECT incident_id::text, location_id, reported_by, description, occurred_at
FROM incidents
WHERE ($1 = '' OR location_id = $1)
ORDER BY occurred_at DESC, incident_id
LIMIT CASE WHEN $2::int < 0 THEN NULL ELSE $2::int END`, f.LocationID, limit)
}
