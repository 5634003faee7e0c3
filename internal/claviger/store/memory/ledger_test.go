package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/memory"
)

var t0 = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)

func open(t *testing.T, l *memory.Ledger, keyID, personID string, at time.Time) store.LoanRecord {
	t.Helper()
	rec, err := l.OpenLoan(context.Background(), store.OpenRequest{
		KeyID: keyID, PersonID: personID, LocationID: "bloco-a", Operator: "op", At: at,
	})
	if err != nil {
		t.Fatalf("OpenLoan(%s): %v", keyID, err)
	}
	return rec
}

// ── Open / close ─────────────────────────────────────────────────────────────

func TestLedger_CheckoutReturnRoundTrip(t *testing.T) {
	l := memory.NewLedger()
	ctx := context.Background()

	rec := open(t, l, "k1", "p1", t0)
	if rec.ID == "" || !rec.Open() {
		t.Fatalf("expected an open loan with an id, got %+v", rec)
	}

	st, err := l.Status(ctx, "k1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.InCustody || st.PersonID != "p1" || !st.Since.Equal(t0) || st.LoanID != rec.ID {
		t.Errorf("unexpected status: %+v", st)
	}

	closed, err := l.CloseLoan(ctx, store.CloseRequest{KeyID: "k1", Operator: "op2", Note: " ok ", At: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CloseLoan: %v", err)
	}
	if closed.ReturnedAt == nil || !closed.ReturnedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected returned_at set, got %v", closed.ReturnedAt)
	}
	if closed.ReturnedBy != "op2" || closed.ReturnNote != "ok" {
		t.Errorf("expected returned_by=op2 note=ok, got %q %q", closed.ReturnedBy, closed.ReturnNote)
	}

	st, _ = l.Status(ctx, "k1")
	if st.InCustody {
		t.Error("expected key available after return")
	}

	var got []store.LoanRecord
	for r, err := range l.History(ctx, store.LoanFilter{KeyID: "k1"}) {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 1 || got[0].ID != rec.ID || got[0].Open() {
		t.Fatalf("expected one closed loan in history, got %+v", got)
	}
}

func TestLedger_OpenTwiceFails(t *testing.T) {
	l := memory.NewLedger()
	open(t, l, "k1", "p1", t0)

	_, err := l.OpenLoan(context.Background(), store.OpenRequest{KeyID: "k1", PersonID: "p2", At: t0})
	if !errors.Is(err, store.ErrAlreadyInCustody) {
		t.Fatalf("expected ErrAlreadyInCustody, got %v", err)
	}
	var ke *store.KeyError
	if !errors.As(err, &ke) || ke.KeyID != "k1" {
		t.Errorf("expected KeyError for k1, got %v", err)
	}
}

func TestLedger_CloseWithoutOpenLoan(t *testing.T) {
	l := memory.NewLedger()
	_, err := l.CloseLoan(context.Background(), store.CloseRequest{KeyID: "k1", At: t0})
	if !errors.Is(err, store.ErrNoOpenLoan) {
		t.Fatalf("expected ErrNoOpenLoan, got %v", err)
	}
}

func TestLedger_CloseBeforeCheckoutRejected(t *testing.T) {
	l := memory.NewLedger()
	open(t, l, "k1", "p1", t0)

	_, err := l.CloseLoan(context.Background(), store.CloseRequest{KeyID: "k1", At: t0.Add(-time.Minute)})
	if !errors.Is(err, store.ErrReturnBeforeCheckout) {
		t.Fatalf("expected ErrReturnBeforeCheckout, got %v", err)
	}
	if st, _ := l.Status(context.Background(), "k1"); !st.InCustody {
		t.Error("loan must stay open after a rejected return")
	}
}

// ── Batch ────────────────────────────────────────────────────────────────────

func TestLedger_OpenLoansAllOrNothing(t *testing.T) {
	l := memory.NewLedger()
	ctx := context.Background()
	open(t, l, "k2", "other", t0)

	_, err := l.OpenLoans(ctx, []store.OpenRequest{
		{KeyID: "k1", PersonID: "p1", At: t0},
		{KeyID: "k2", PersonID: "p1", At: t0},
		{KeyID: "k3", PersonID: "p1", At: t0},
	})
	var ke *store.KeyError
	if !errors.As(err, &ke) || ke.KeyID != "k2" || !errors.Is(err, store.ErrAlreadyInCustody) {
		t.Fatalf("expected KeyError(k2, already in custody), got %v", err)
	}

	for _, k := range []string{"k1", "k3"} {
		if st, _ := l.Status(ctx, k); st.InCustody {
			t.Errorf("%s must not be checked out after a failed batch", k)
		}
	}

	recs, err := l.OpenLoans(ctx, []store.OpenRequest{
		{KeyID: "k1", PersonID: "p1", At: t0},
		{KeyID: "k3", PersonID: "p1", At: t0},
	})
	if err != nil {
		t.Fatalf("OpenLoans: %v", err)
	}
	if len(recs) != 2 || recs[0].KeyID != "k1" || recs[1].KeyID != "k3" {
		t.Fatalf("expected loans in request order, got %+v", recs)
	}
}

func TestLedger_OpenLoansRejectsDuplicateKey(t *testing.T) {
	l := memory.NewLedger()
	_, err := l.OpenLoans(context.Background(), []store.OpenRequest{
		{KeyID: "k1", PersonID: "p1", At: t0},
		{KeyID: "k1", PersonID: "p1", At: t0},
	})
	if !errors.Is(err, store.ErrAlreadyInCustody) {
		t.Fatalf("expected ErrAlreadyInCustody, got %v", err)
	}
	if st, _ := l.Status(context.Background(), "k1"); st.InCustody {
		t.Error("nothing should be committed")
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestLedger_ConcurrentCheckoutSingleWinner(t *testing.T) {
	l := memory.NewLedger()
	ctx := context.Background()

	const n = 64
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// Overlapping batches exercise sorted slot acquisition.
			reqs := []store.OpenRequest{{KeyID: "shared", PersonID: "p", At: t0}}
			if i%2 == 0 {
				reqs = append(reqs, store.OpenRequest{KeyID: "aux", PersonID: "p", At: t0})
			}
			_, err := l.OpenLoans(ctx, reqs)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrAlreadyInCustody):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || losses != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}

	openLoans := 0
	for _, err := range l.History(ctx, store.LoanFilter{KeyID: "shared", OpenOnly: true}) {
		if err != nil {
			t.Fatal(err)
		}
		openLoans++
	}
	if openLoans != 1 {
		t.Errorf("expected exactly one open loan, got %d", openLoans)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

func TestLedger_HistoryFiltersAndOrder(t *testing.T) {
	l := memory.NewLedger()
	ctx := context.Background()

	// Inserted out of chronological order on purpose.
	open(t, l, "k2", "p2", t0.Add(2*time.Hour))
	open(t, l, "k1", "p1", t0)
	open(t, l, "k3", "p1", t0.Add(time.Hour))
	if _, err := l.CloseLoan(ctx, store.CloseRequest{KeyID: "k1", At: t0.Add(30 * time.Minute)}); err != nil {
		t.Fatal(err)
	}

	collect := func(f store.LoanFilter) []string {
		var keys []string
		for r, err := range l.History(ctx, f) {
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			keys = append(keys, r.KeyID)
		}
		return keys
	}

	assertKeys(t, "asc", collect(store.LoanFilter{}), "k1", "k3", "k2")
	assertKeys(t, "desc", collect(store.LoanFilter{Order: store.OrderDesc}), "k2", "k3", "k1")
	assertKeys(t, "person", collect(store.LoanFilter{PersonID: "p1"}), "k1", "k3")
	assertKeys(t, "open", collect(store.LoanFilter{OpenOnly: true}), "k3", "k2")
	assertKeys(t, "range", collect(store.LoanFilter{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)}), "k3")
	assertKeys(t, "limit", collect(store.LoanFilter{Order: store.OrderDesc, Limit: 1}), "k2")

	// Restartable: ranging the same sequence twice yields the same rows.
	seq := l.History(ctx, store.LoanFilter{})
	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != 3 || second != 3 {
		t.Errorf("expected 3 rows on each pass, got %d and %d", first, second)
	}
}

func TestLedger_HistoryEarlyBreak(t *testing.T) {
	l := memory.NewLedger()
	open(t, l, "k1", "p1", t0)
	open(t, l, "k2", "p1", t0.Add(time.Minute))

	n := 0
	for range l.History(context.Background(), store.LoanFilter{}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected to stop after one row, got %d", n)
	}
}

func assertKeys(t *testing.T, label string, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: expected %v, got %v", label, want, got)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s: expected %v, got %v", label, want, got)
			return
		}
	}
}
