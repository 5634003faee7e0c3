package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

type CheckoutCommand struct {
	PersonID string
	KeyIDs   []string
	Operator string
	At       time.Time // zero = now
}

// CheckoutResult carries either the opened loans or, when any key failed,
// every failing key and nothing opened.
type CheckoutResult struct {
	At       time.Time
	Loans    []store.LoanRecord
	Failures []types.KeyFailure
}

func (r CheckoutResult) OK() bool { return len(r.Failures) == 0 }

type ReturnCommand struct {
	KeyID    string
	Operator string
	Note     string
	At       time.Time
}

// CheckoutCoordinator turns a checkout request into either a complete set of
// loans or an explanation of every key that blocked it.
//
// policies must be the store itself, not a PolicyCache: the checkout gate
// has to see a deactivation or revoked exception the moment it commits.
type CheckoutCoordinator struct {
	policies  store.PolicyReader
	ledger    store.Ledger
	evaluator *AccessEvaluator
	logger    *slog.Logger
}

func NewCheckoutCoordinator(
	policies store.PolicyReader,
	ledger store.Ledger,
	evaluator *AccessEvaluator,
	logger *slog.Logger,
) *CheckoutCoordinator {
	return &CheckoutCoordinator{
		policies:  policies,
		ledger:    ledger,
		evaluator: evaluator,
		logger:    logger.With(slog.String("component", "checkout")),
	}
}

func (c *CheckoutCoordinator) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	personID := strings.TrimSpace(cmd.PersonID)
	if personID == "" {
		return CheckoutResult{}, ErrInvalidPersonID
	}
	keyIDs, err := normalizeKeyIDs(cmd.KeyIDs)
	if err != nil {
		return CheckoutResult{}, err
	}

	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}

	person, err := c.policies.Person(ctx, personID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("person %s: %w", personID, err)
	}

	res := CheckoutResult{At: at}
	reqs := make([]store.OpenRequest, 0, len(keyIDs))
	audit := make([]store.DecisionRecord, 0, len(keyIDs))

	for _, keyID := range keyIDs {
		v, err := c.check(ctx, person, keyID, at)
		if err != nil {
			return CheckoutResult{}, err
		}
		audit = append(audit, store.DecisionRecord{
			PersonID:  person.ID,
			KeyID:     keyID,
			Operator:  cmd.Operator,
			Action:    store.ActionCheckout,
			Allowed:   v.allow,
			Reason:    v.reason,
			DecidedAt: at,
		})
		if !v.allow {
			res.Failures = append(res.Failures, types.KeyFailure{KeyID: keyID, Reason: v.reason})
			continue
		}
		reqs = append(reqs, store.OpenRequest{
			KeyID:      v.key.ID,
			PersonID:   person.ID,
			LocationID: v.key.LocationID,
			Operator:   cmd.Operator,
			At:         at,
		})
	}

	if len(res.Failures) > 0 {
		c.recordAll(ctx, audit, false)
		checkoutsTotal.WithLabelValues("denied").Inc()
		c.logger.Info("checkout denied",
			slog.String("person_id", person.ID),
			slog.Int("keys", len(keyIDs)),
			slog.Int("failures", len(res.Failures)),
		)
		return res, nil
	}

	loans, err := c.ledger.OpenLoans(ctx, reqs)
	c.recordAll(ctx, audit, err == nil)
	if err != nil {
		var ke *store.KeyError
		if errors.As(err, &ke) {
			switch {
			case errors.Is(err, store.ErrAlreadyInCustody):
				return c.conflict(res, ke.KeyID, ReasonAlreadyInCustody), nil
			case errors.Is(err, store.ErrConcurrentConflict):
				return c.conflict(res, ke.KeyID, ReasonConcurrentConflict), nil
			}
		}
		c.logIntegrity(err)
		return CheckoutResult{}, err
	}

	res.Loans = loans
	checkoutsTotal.WithLabelValues("granted").Inc()
	keysCheckedOutTotal.Add(float64(len(loans)))
	c.logger.Info("checkout granted",
		slog.String("person_id", person.ID),
		slog.Any("key_ids", keyIDs),
		slog.String("operator", cmd.Operator),
	)
	return res, nil
}

type verdict struct {
	allow  bool
	reason string
	key    policy.Key
}

// check runs the per-key gates in order: the key exists, the ledger shows
// it available, and the policy allows it at the checkout instant.
func (c *CheckoutCoordinator) check(ctx context.Context, person policy.Person, keyID string, at time.Time) (verdict, error) {
	key, err := c.policies.Key(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return verdict{reason: ReasonKeyNotFound}, nil
	}
	if err != nil {
		return verdict{}, fmt.Errorf("key %s: %w", keyID, err)
	}

	st, err := c.ledger.Status(ctx, keyID)
	if err != nil {
		c.logIntegrity(err)
		return verdict{}, err
	}
	if st.InCustody {
		return verdict{reason: ReasonAlreadyInCustody, key: key}, nil
	}

	d, err := c.evaluator.decide(ctx, c.policies, person, key, at)
	if err != nil {
		return verdict{}, err
	}
	countDenial(d)
	return verdict{allow: d.Allow, reason: string(d.Reason), key: key}, nil
}

// recordAll writes the per-key decisions once the batch outcome is known.
// When nothing was opened, keys that passed their own gates are logged as
// denied with ReasonBatchRejected.
func (c *CheckoutCoordinator) recordAll(ctx context.Context, audit []store.DecisionRecord, committed bool) {
	for _, rec := range audit {
		if rec.Allowed && !committed {
			rec.Allowed = false
			rec.Reason = ReasonBatchRejected
		}
		c.evaluator.record(ctx, rec)
	}
}

func (c *CheckoutCoordinator) conflict(res CheckoutResult, keyID, reason string) CheckoutResult {
	checkoutsTotal.WithLabelValues("conflict").Inc()
	c.logger.Info("checkout lost a race", slog.String("key_id", keyID), slog.String("reason", reason))
	res.Failures = []types.KeyFailure{{KeyID: keyID, Reason: reason}}
	return res
}

// Return closes the open loan on a key. Any operator may return a key; the
// operator is recorded on the loan.
func (c *CheckoutCoordinator) Return(ctx context.Context, cmd ReturnCommand) (store.LoanRecord, error) {
	keyID := strings.TrimSpace(cmd.KeyID)
	if keyID == "" {
		return store.LoanRecord{}, ErrInvalidKeyID
	}
	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}

	rec, err := c.ledger.CloseLoan(ctx, store.CloseRequest{
		KeyID:    keyID,
		Operator: cmd.Operator,
		Note:     cmd.Note,
		At:       at,
	})
	if err != nil {
		c.logIntegrity(err)
		return store.LoanRecord{}, err
	}

	c.evaluator.record(ctx, store.DecisionRecord{
		PersonID:  rec.PersonID,
		KeyID:     rec.KeyID,
		Operator:  cmd.Operator,
		Action:    store.ActionReturn,
		Allowed:   true,
		Reason:    ReasonReturned,
		DecidedAt: at,
	})
	returnsTotal.Inc()
	c.logger.Info("key returned",
		slog.String("key_id", rec.KeyID),
		slog.String("person_id", rec.PersonID),
		slog.String("operator", cmd.Operator),
	)
	return rec, nil
}

func (c *CheckoutCoordinator) logIntegrity(err error) {
	if errors.Is(err, store.ErrIntegrity) {
		integrityFaultsTotal.Inc()
		c.logger.Error("custody ledger integrity violation", slog.String("error", err.Error()))
	}
}

// normalizeKeyIDs trims ids and rejects empty or repeated entries.
func normalizeKeyIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyCheckout
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, ErrInvalidKeyID
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKeyInRequest, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
