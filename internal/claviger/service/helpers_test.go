package service_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/memory"
	"github.com/BrandonDHaskell/Claviger/server/internal/db"
)

var brt = time.FixedZone("BRT", -3*3600)

// at builds an instant in the institution's zone. 2025-01-07 is a Tuesday
// and 2025-01-04 a Saturday.
func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, brt)
}

var tuesdayMorning = at(2025, time.January, 7, 10, 0)

func silentLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testEnv is every service wired over in-memory stores seeded with the dev
// fixture. The stores are exposed so tests can inspect what was written.
type testEnv struct {
	policies  *memory.PolicyStore
	ledger    *memory.Ledger
	decisions *memory.DecisionLog
	incidents *memory.IncidentStore
	cache     *service.PolicyCache

	evaluator   *service.AccessEvaluator
	coordinator *service.CheckoutCoordinator
	query       *service.QueryService
	admin       *service.PolicyAdmin
	reports     *service.IncidentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ps := memory.NewPolicyStore()
	if err := db.SeedDev(context.Background(), ps, db.DevFixture()); err != nil {
		t.Fatalf("SeedDev: %v", err)
	}

	env := &testEnv{
		policies:  ps,
		ledger:    memory.NewLedger(),
		decisions: memory.NewDecisionLog(),
		incidents: memory.NewIncidentStore(),
	}
	env.cache = service.NewPolicyCache(ps, 64, time.Hour)

	log := silentLogger()
	env.evaluator = service.NewAccessEvaluator(env.cache, env.decisions, brt, log)
	env.coordinator = service.NewCheckoutCoordinator(ps, env.ledger, env.evaluator, log)
	env.query = service.NewQueryService(env.cache, env.ledger, env.evaluator, log)
	env.admin = service.NewPolicyAdmin(ps, env.cache, log)
	env.reports = service.NewIncidentService(env.incidents, env.cache, brt, log)
	return env
}

func (e *testEnv) checkout(t *testing.T, personID string, when time.Time, keyIDs ...string) service.CheckoutResult {
	t.Helper()
	res, err := e.coordinator.Checkout(context.Background(), service.CheckoutCommand{
		PersonID: personID,
		KeyIDs:   keyIDs,
		Operator: "porteiro",
		At:       when,
	})
	if err != nil {
		t.Fatalf("Checkout(%s, %v): %v", personID, keyIDs, err)
	}
	return res
}
