package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// Checkout
// ═══════════════════════════════════════════════════════════════════════════

func TestCheckout_GrantsEveryKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.checkout(t, "ana", tuesdayMorning, "lab-101", "sala-102")
	if !res.OK() {
		t.Fatalf("expected success, got failures %+v", res.Failures)
	}
	if len(res.Loans) != 2 {
		t.Fatalf("expected 2 loans, got %d", len(res.Loans))
	}
	for _, l := range res.Loans {
		if l.PersonID != "ana" || l.CheckedOutBy != "porteiro" || l.LocationID != "bloco-a" {
			t.Errorf("unexpected loan: %+v", l)
		}
		if !l.CheckedOutAt.Equal(tuesdayMorning) {
			t.Errorf("loan %s: checkout instant %v, want %v", l.KeyID, l.CheckedOutAt, tuesdayMorning)
		}
	}

	st, err := env.ledger.Status(ctx, "lab-101")
	if err != nil || !st.InCustody || st.PersonID != "ana" {
		t.Errorf("expected lab-101 held by ana, got %+v (%v)", st, err)
	}

	decs := env.decisions.Decisions()
	if len(decs) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decs))
	}
	for _, d := range decs {
		if d.Action != store.ActionCheckout || !d.Allowed || d.Reason != string(policy.ReasonProfileGranted) {
			t.Errorf("unexpected decision: %+v", d)
		}
	}
}

func TestCheckout_BatchIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// At 10:00 carla may take sala-102 (alunos) but her lab-101 exception
	// only covers 14:00-16:00.
	res := env.checkout(t, "carla", tuesdayMorning, "sala-102", "lab-101")
	if res.OK() {
		t.Fatal("expected the batch to be refused")
	}
	if len(res.Loans) != 0 {
		t.Errorf("expected no loans, got %+v", res.Loans)
	}
	want := []types.KeyFailure{{KeyID: "lab-101", Reason: string(policy.ReasonOutsideExceptionWindow)}}
	if len(res.Failures) != 1 || res.Failures[0] != want[0] {
		t.Errorf("failures = %+v, want %+v", res.Failures, want)
	}

	if st, _ := env.ledger.Status(ctx, "sala-102"); st.InCustody {
		t.Error("sala-102 must stay available after a refused batch")
	}

	// Both per-key decisions are logged, sala-102 as batch_rejected.
	if n := len(env.decisions.Decisions()); n != 2 {
		t.Errorf("expected 2 decisions, got %d", n)
	}
}

func TestCheckout_ReportsEveryFailingKey(t *testing.T) {
	env := newTestEnv(t)

	if res := env.checkout(t, "bruno", tuesdayMorning, "almox"); !res.OK() {
		t.Fatalf("setup checkout failed: %+v", res.Failures)
	}

	res := env.checkout(t, "ana", tuesdayMorning, "almox", "sala-102", "ghost", "auditorio")
	got := map[string]string{}
	for _, f := range res.Failures {
		got[f.KeyID] = f.Reason
	}
	want := map[string]string{
		"almox":     service.ReasonAlreadyInCustody,
		"ghost":     service.ReasonKeyNotFound,
		"auditorio": string(policy.ReasonKeyInactive),
	}
	if len(got) != len(want) {
		t.Fatalf("failures = %v, want %v", got, want)
	}
	for k, r := range want {
		if got[k] != r {
			t.Errorf("%s: reason %q, want %q", k, got[k], r)
		}
	}
}

func TestCheckout_InactivePersonDenied(t *testing.T) {
	env := newTestEnv(t)

	res := env.checkout(t, "davi", tuesdayMorning, "lab-101")
	if res.OK() || res.Failures[0].Reason != string(policy.ReasonPersonInactive) {
		t.Errorf("expected person_inactive, got %+v", res)
	}
}

func TestCheckout_IgnoresStalePolicyCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Warm the cache, then deactivate without invalidating, as a write made
	// by another instance would.
	if d, err := env.evaluator.Evaluate(ctx, "ana", "lab-101", tuesdayMorning); err != nil || !d.Allow {
		t.Fatalf("setup evaluate: %+v (%v)", d, err)
	}
	if err := env.policies.SetPersonActive(ctx, "ana", false); err != nil {
		t.Fatal(err)
	}
	if p, _ := env.cache.Person(ctx, "ana"); !p.Active {
		t.Fatal("expected the cache to still hold the active record")
	}

	res := env.checkout(t, "ana", tuesdayMorning, "lab-101")
	if res.OK() || res.Failures[0].Reason != string(policy.ReasonPersonInactive) {
		t.Errorf("expected person_inactive from the store, got %+v", res)
	}
	if st, _ := env.ledger.Status(ctx, "lab-101"); st.InCustody {
		t.Error("a deactivated person must not receive a key")
	}
}

func TestCheckout_RefusedBatchLogsNoGrant(t *testing.T) {
	env := newTestEnv(t)

	res := env.checkout(t, "carla", tuesdayMorning, "sala-102", "lab-101")
	if res.OK() {
		t.Fatal("expected the batch to be refused")
	}

	got := map[string]store.DecisionRecord{}
	for _, d := range env.decisions.Decisions() {
		got[d.KeyID] = d
	}
	if d := got["sala-102"]; d.Allowed || d.Reason != service.ReasonBatchRejected {
		t.Errorf("sala-102: expected batch_rejected denial, got %+v", d)
	}
	if d := got["lab-101"]; d.Allowed || d.Reason != string(policy.ReasonOutsideExceptionWindow) {
		t.Errorf("lab-101: unexpected decision %+v", d)
	}

}

// racingLedger passes every gate but loses the commit.
type racingLedger struct {
	store.Ledger
}

func (racingLedger) OpenLoans(_ context.Context, reqs []store.OpenRequest) ([]store.LoanRecord, error) {
	return nil, &store.KeyError{KeyID: reqs[0].KeyID, Err: store.ErrConcurrentConflict}
}

func TestCheckout_LostCommitLogsNoGrant(t *testing.T) {
	env := newTestEnv(t)
	coord := service.NewCheckoutCoordinator(env.policies, racingLedger{env.ledger}, env.evaluator, silentLogger())

	res, err := coord.Checkout(context.Background(), service.CheckoutCommand{
		PersonID: "ana",
		KeyIDs:   []string{"lab-101", "sala-102"},
		Operator: "porteiro",
		At:       tuesdayMorning,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.Failures[0].Reason != service.ReasonConcurrentConflict {
		t.Fatalf("expected concurrent_conflict, got %+v", res)
	}

	decs := env.decisions.Decisions()
	if len(decs) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decs))
	}
	for _, d := range decs {
		if d.Allowed || d.Reason != service.ReasonBatchRejected {
			t.Errorf("expected batch_rejected, got %+v", d)
		}
	}
}

func TestCheckout_RejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  service.CheckoutCommand
		want error
	}{
		{"no keys", service.CheckoutCommand{PersonID: "ana"}, service.ErrEmptyCheckout},
		{"duplicate key", service.CheckoutCommand{PersonID: "ana", KeyIDs: []string{"lab-101", " lab-101"}}, service.ErrDuplicateKeyInRequest},
		{"blank key", service.CheckoutCommand{PersonID: "ana", KeyIDs: []string{""}}, service.ErrInvalidKeyID},
		{"no person", service.CheckoutCommand{KeyIDs: []string{"lab-101"}}, service.ErrInvalidPersonID},
		{"unknown person", service.CheckoutCommand{PersonID: "nobody", KeyIDs: []string{"lab-101"}}, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.coordinator.Checkout(ctx, tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckout_ConcurrentSingleKeyHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 32
	results := make(chan service.CheckoutResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			person := "ana"
			if i%2 == 1 {
				person = "bruno"
			}
			res, err := env.coordinator.Checkout(ctx, service.CheckoutCommand{
				PersonID: person,
				KeyIDs:   []string{"sala-102"},
				At:       tuesdayMorning,
			})
			if err != nil {
				t.Errorf("Checkout: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for res := range results {
		if res.OK() {
			wins++
			continue
		}
		switch res.Failures[0].Reason {
		case service.ReasonAlreadyInCustody, service.ReasonConcurrentConflict:
		default:
			t.Errorf("unexpected failure: %+v", res.Failures)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	open := 0
	for _, err := range env.ledger.History(ctx, store.LoanFilter{OpenOnly: true}) {
		if err != nil {
			t.Fatal(err)
		}
		open++
	}
	if open != 1 {
		t.Errorf("expected 1 open loan, got %d", open)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Return
// ═══════════════════════════════════════════════════════════════════════════

func TestReturn_RoundTripAppearsInHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.checkout(t, "ana", tuesdayMorning, "lab-101")

	back := tuesdayMorning.Add(2 * time.Hour)
	rec, err := env.coordinator.Return(ctx, service.ReturnCommand{
		KeyID:    "lab-101",
		Operator: "vigia",
		Note:     "  chave com etiqueta solta ",
		At:       back,
	})
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if rec.ReturnedAt == nil || !rec.ReturnedAt.Equal(back) {
		t.Errorf("unexpected returned_at: %v", rec.ReturnedAt)
	}
	if rec.ReturnedBy != "vigia" || rec.ReturnNote != "chave com etiqueta solta" {
		t.Errorf("unexpected return fields: %+v", rec)
	}

	if st, _ := env.ledger.Status(ctx, "lab-101"); st.InCustody {
		t.Error("lab-101 should be available after return")
	}

	var rows []types.LoanView
	for v, err := range env.query.History(ctx, store.LoanFilter{KeyID: "lab-101"}) {
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, v)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(rows))
	}
	if rows[0].Status != types.LoanReturned || rows[0].PersonName != "Ana Souza" || rows[0].ReturnedAt == nil {
		t.Errorf("unexpected history row: %+v", rows[0])
	}

	last := env.decisions.Decisions()
	if d := last[len(last)-1]; d.Action != store.ActionReturn || d.Operator != "vigia" {
		t.Errorf("expected a return decision, got %+v", d)
	}
}

func TestReturn_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.coordinator.Return(ctx, service.ReturnCommand{KeyID: "lab-101"}); !errors.Is(err, store.ErrNoOpenLoan) {
		t.Errorf("expected ErrNoOpenLoan, got %v", err)
	}
	if _, err := env.coordinator.Return(ctx, service.ReturnCommand{}); !errors.Is(err, service.ErrInvalidKeyID) {
		t.Errorf("expected ErrInvalidKeyID, got %v", err)
	}

	env.checkout(t, "ana", tuesdayMorning, "lab-101")
	_, err := env.coordinator.Return(ctx, service.ReturnCommand{KeyID: "lab-101", At: tuesdayMorning.Add(-time.Minute)})
	if !errors.Is(err, store.ErrReturnBeforeCheckout) {
		t.Errorf("expected ErrReturnBeforeCheckout, got %v", err)
	}
}

func returnCmd(keyID string, when time.Time) service.ReturnCommand {
	return service.ReturnCommand{KeyID: keyID, Operator: "porteiro", At: when}
}
