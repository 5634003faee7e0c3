package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

const maxIncidentList = 500

// IncidentService records free-text occurrences at a location (a jammed
// lock, a missing key tag).
type IncidentService struct {
	incidents store.IncidentStore
	policies  store.PolicyReader
	loc       *time.Location
	logger    *slog.Logger
}

func NewIncidentService(is store.IncidentStore, policies store.PolicyReader, loc *time.Location, logger *slog.Logger) *IncidentService {
	if loc == nil {
		loc = time.UTC
	}
	return &IncidentService{
		incidents: is,
		policies:  policies,
		loc:       loc,
		logger:    logger.With(slog.String("component", "incidents")),
	}
}

func (s *IncidentService) Report(ctx context.Context, in types.IncidentInput, operator string) (types.IncidentView, error) {
	locationID := strings.TrimSpace(in.LocationID)
	desc := strings.TrimSpace(in.Description)
	if locationID == "" || desc == "" {
		return types.IncidentView{}, invalidf("location_id and description are required")
	}
	occurred, err := parseOptionalTimestamp(in.OccurredAt, time.Now())
	if err != nil {
		return types.IncidentView{}, err
	}
	if _, err := s.policies.Location(ctx, locationID); err != nil {
		return types.IncidentView{}, fmt.Errorf("location %s: %w", locationID, err)
	}

	rec := store.IncidentRecord{
		ID:          uuid.NewString(),
		LocationID:  locationID,
		ReportedBy:  operator,
		Description: desc,
		OccurredAt:  occurred.UTC(),
	}
	if err := s.incidents.CreateIncident(ctx, rec); err != nil {
		return types.IncidentView{}, err
	}
	s.logger.Info("incident reported",
		slog.String("incident_id", rec.ID),
		slog.String("location_id", locationID),
		slog.String("operator", operator),
	)
	return s.view(rec), nil
}

// List returns the newest incidents first, capped at maxIncidentList.
func (s *IncidentService) List(ctx context.Context, locationID string, limit int) ([]types.IncidentView, error) {
	if limit <= 0 || limit > maxIncidentList {
		limit = maxIncidentList
	}
	recs, err := s.incidents.Incidents(ctx, store.IncidentFilter{LocationID: locationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]types.IncidentView, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.view(r))
	}
	return out, nil
}

func (s *IncidentService) view(r store.IncidentRecord) types.IncidentView {
	return types.IncidentView{
		ID:          r.ID,
		LocationID:  r.LocationID,
		ReportedBy:  r.ReportedBy,
		Description: r.Description,
		OccurredAt:  formatTime(r.OccurredAt, s.loc),
	}
}
