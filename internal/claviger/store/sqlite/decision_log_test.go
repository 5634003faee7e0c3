package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	sqlitestore "github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// RecordDecision: basic insert
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionLog_RecordDecision_InsertsRow(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	dl := sqlitestore.NewDecisionLog(conn, w)
	ctx := context.Background()

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	err := dl.RecordDecision(ctx, store.DecisionRecord{
		PersonID:  "ana",
		KeyID:     "lab-101",
		Operator:  "porteiro",
		Action:    store.ActionCheckout,
		Allowed:   false,
		Reason:    "outside_profile_window",
		DecidedAt: now,
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	var allowed int
	var reason, action string
	var decidedMs int64
	err = conn.QueryRowContext(ctx,
		`SELECT allowed, reason, action, decided_at_ms FROM decisions WHERE person_id = ?`, "ana",
	).Scan(&allowed, &reason, &action, &decidedMs)
	if err != nil {
		t.Fatalf("query decision: %v", err)
	}
	if allowed != 0 {
		t.Errorf("expected allowed=0, got %d", allowed)
	}
	if reason != "outside_profile_window" || action != store.ActionCheckout {
		t.Errorf("unexpected reason/action: %q %q", reason, action)
	}
	if decidedMs != now.UnixMilli() {
		t.Errorf("expected decided_at_ms=%d, got %d", now.UnixMilli(), decidedMs)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PruneOlderThan
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionLog_PruneOlderThan(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	dl := sqlitestore.NewDecisionLog(conn, w)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		if err := dl.RecordDecision(ctx, store.DecisionRecord{
			PersonID: "p", KeyID: "k", Action: store.ActionEvaluate, Reason: "profile_granted", Allowed: true,
			DecidedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := dl.PruneOlderThan(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	var remaining int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&remaining); err != nil {
		t.Fatal(err)
	}
	if remaining != 2 {
		t.Errorf("expected 2 remaining, got %d", remaining)
	}
}

func TestIncidentStore_NewestFirst(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewIncidentStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"i1", "i2", "i3"} {
		if err := s.CreateIncident(ctx, store.IncidentRecord{
			ID: id, LocationID: "a", ReportedBy: "op", Description: "porta emperrada",
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Incidents(ctx, store.IncidentFilter{LocationID: "a", Limit: 2})
	if err != nil {
		t.Fatalf("Incidents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "i3" || got[1].ID != "i2" {
		t.Fatalf("expected [i3 i2], got %+v", got)
	}
	if !got[0].OccurredAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected occurred_at: %v", got[0].OccurredAt)
	}
}
