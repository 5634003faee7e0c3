package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/postgres"
	"github.com/BrandonDHaskell/Claviger/server/internal/db"
)

var t0 = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)

// setupStore starts a PostgreSQL container and applies migrations.
// Skipped unless TEST_INTEGRATION is set.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("claviger_test"),
		tcpostgres.WithUsername("claviger"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := db.Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.New(pool)
}

func TestPostgres_PolicyRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := db.SeedDev(ctx, s, db.DevFixture()); err != nil {
		t.Fatalf("SeedDev: %v", err)
	}

	k, err := s.Key(ctx, "lab-101")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if !k.Permits("professores") || !k.Permits("funcionarios") || k.Permits("alunos") {
		t.Errorf("unexpected allowed profiles: %v", k.AllowedProfiles)
	}

	prof, _ := s.Profile(ctx, "professores")
	if len(prof.Window.Days) != 5 || prof.Window.Start.String() != "07:00" {
		t.Errorf("unexpected window: %+v", prof.Window)
	}

	exc, _ := s.Exception(ctx, "lab-101", "carla")
	if exc == nil || exc.ValidUntil == nil || exc.ValidUntil.String() != "2030-12-31" {
		t.Errorf("unexpected exception: %+v", exc)
	}

	persons, _ := s.Persons(ctx, store.PersonFilter{Search: "souza"})
	if len(persons) != 1 || persons[0].ID != "ana" {
		t.Errorf("unexpected search result: %+v", persons)
	}

	err = s.PutKey(ctx, policy.Key{ID: "x", Code: "x", LocationID: "nowhere", Active: true})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing location, got %v", err)
	}
}

func TestPostgres_DeleteAndKeySearch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := db.SeedDev(ctx, s, db.DevFixture()); err != nil {
		t.Fatalf("SeedDev: %v", err)
	}

	keys, err := s.Keys(ctx, store.KeyFilter{Search: "a0"})
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "almox" || keys[1].ID != "auditorio" {
		t.Errorf("expected almox and auditorio, got %+v", keys)
	}
	if keys, _ := s.Keys(ctx, store.KeyFilter{Search: "%"}); len(keys) != 0 {
		t.Errorf("wildcards must match literally, got %+v", keys)
	}

	if err := s.DeleteLocation(ctx, "portaria"); !errors.Is(err, store.ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}
	if err := s.DeleteProfile(ctx, "funcionarios"); !errors.Is(err, store.ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}
	if err := s.DeleteProfile(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.PutLocation(ctx, policy.Location{ID: "anexo", Name: "Anexo"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteLocation(ctx, "anexo"); err != nil {
		t.Fatalf("DeleteLocation: %v", err)
	}
	if _, err := s.Location(ctx, "anexo"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the location gone, got %v", err)
	}
}

func TestPostgres_LedgerRoundTripAndBatch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.OpenLoan(ctx, store.OpenRequest{KeyID: "k3", PersonID: "other", At: t0}); err != nil {
		t.Fatal(err)
	}
	_, err := s.OpenLoans(ctx, []store.OpenRequest{
		{KeyID: "k1", PersonID: "p1", At: t0},
		{KeyID: "k3", PersonID: "p1", At: t0},
	})
	if !errors.Is(err, store.ErrAlreadyInCustody) {
		t.Fatalf("expected ErrAlreadyInCustody, got %v", err)
	}
	if st, _ := s.Status(ctx, "k1"); st.InCustody {
		t.Error("k1 must not be held after a failed batch")
	}

	rec, err := s.OpenLoan(ctx, store.OpenRequest{KeyID: "k1", PersonID: "p1", LocationID: "a", Operator: "op", At: t0})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := s.CloseLoan(ctx, store.CloseRequest{KeyID: "k1", Operator: "op2", Note: "ok", At: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CloseLoan: %v", err)
	}
	if closed.ID != rec.ID || closed.ReturnedAt == nil {
		t.Errorf("unexpected closed loan: %+v", closed)
	}

	var keys []string
	for r, err := range s.History(ctx, store.LoanFilter{Order: store.OrderDesc}) {
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, r.KeyID)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 loans, got %v", keys)
	}
}

func TestPostgres_ConcurrentCheckoutSingleWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OpenLoan(ctx, store.OpenRequest{KeyID: "shared", PersonID: "p", At: t0})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyInCustody), errors.Is(err, store.ErrConcurrentConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestPostgres_DecisionsAndIncidents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := s.RecordDecision(ctx, store.DecisionRecord{
			PersonID: "p", KeyID: "k", Action: store.ActionEvaluate, Reason: "profile_granted", Allowed: true,
			DecidedAt: t0.Add(time.Duration(i) * 24 * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.PruneOlderThan(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("expected 1 pruned, got %d (%v)", n, err)
	}

	id := uuid.NewString()
	if err := s.CreateIncident(ctx, store.IncidentRecord{ID: id, LocationID: "a", Description: "fechadura", OccurredAt: t0}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Incidents(ctx, store.IncidentFilter{})
	if err != nil || len(got) != 1 || got[0].ID != id {
		t.Errorf("unexpected incidents: %+v (%v)", got, err)
	}
}
