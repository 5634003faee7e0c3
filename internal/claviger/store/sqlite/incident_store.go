package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

type IncidentStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewIncidentStore(db *sql.DB, writer *dbpkg.Worker) *IncidentStore {
	return &IncidentStore{db: db, writer: writer}
}

func (s *IncidentStore) CreateIncident(ctx context.Context, rec store.IncidentRecord) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO incidents(incident_id, location_id, reported_by, description, occurred_at_ms)
VALUES (?, ?, ?, ?, ?);
`, rec.ID, rec.LocationID, rec.ReportedBy, rec.Description, rec.OccurredAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("CreateIncident: %w", err)
		}
		return nil
	})
}

func (s *IncidentStore) Incidents(ctx context.Context, f store.IncidentFilter) ([]store.IncidentRecord, error) {
	q := `SELECT incident_id, location_id, reported_by, description, occurred_at_ms FROM incidents`
	var args []any
	if f.LocationID != "" {
		q += ` WHERE location_id = ?`
		args = append(args, f.LocationID)
	}
	q += ` ORDER BY occurred_at_ms DESC, incident_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("Incidents: %w", err)
	}
	defer rows.Close()

	var out []store.IncidentRecord
	for rows.Next() {
		var rec store.IncidentRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.LocationID, &rec.ReportedBy, &rec.Description, &ms); err != nil {
			return nil, fmt.Errorf("Incidents scan: %w", err)
		}
		rec.OccurredAt = fromMs(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}
