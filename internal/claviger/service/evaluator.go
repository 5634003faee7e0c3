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

// AccessEvaluator loads the facts for a (person, key) pair from the policy
// store and hands them to policy.Evaluate.
type AccessEvaluator struct {
	policies  store.PolicyReader
	decisions store.DecisionLog
	loc       *time.Location
	logger    *slog.Logger
}

// NewAccessEvaluator evaluates in the institution's time zone loc (UTC when
// nil).
func NewAccessEvaluator(
	policies store.PolicyReader,
	decisions store.DecisionLog,
	loc *time.Location,
	logger *slog.Logger,
) *AccessEvaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &AccessEvaluator{
		policies:  policies,
		decisions: decisions,
		loc:       loc,
		logger:    logger.With(slog.String("component", "access_evaluator")),
	}
}

func (e *AccessEvaluator) Location() *time.Location { return e.loc }

// Evaluate decides whether personID may take keyID at now. Unknown ids and
// storage faults are errors; a denial is a Decision with Allow=false.
func (e *AccessEvaluator) Evaluate(ctx context.Context, personID, keyID string, now time.Time) (policy.Decision, error) {
	person, err := e.policies.Person(ctx, personID)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("person %s: %w", personID, err)
	}
	key, err := e.policies.Key(ctx, keyID)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("key %s: %w", keyID, err)
	}
	return e.decide(ctx, e.policies, person, key, now)
}

// Decide is the audited form of Evaluate used by the API: it validates the
// request, evaluates and appends the outcome to the decision log.
func (e *AccessEvaluator) Decide(ctx context.Context, req types.EvaluateRequest, operator string) (types.EvaluateResponse, error) {
	personID := strings.TrimSpace(req.PersonID)
	keyID := strings.TrimSpace(req.KeyID)
	if personID == "" {
		return types.EvaluateResponse{}, ErrInvalidPersonID
	}
	if keyID == "" {
		return types.EvaluateResponse{}, ErrInvalidKeyID
	}
	now, err := parseOptionalTimestamp(req.At, time.Now())
	if err != nil {
		return types.EvaluateResponse{}, err
	}

	d, err := e.Evaluate(ctx, personID, keyID, now)
	if err != nil {
		return types.EvaluateResponse{}, err
	}
	countDenial(d)
	e.record(ctx, store.DecisionRecord{
		PersonID:  personID,
		KeyID:     keyID,
		Operator:  operator,
		Action:    store.ActionEvaluate,
		Allowed:   d.Allow,
		Reason:    string(d.Reason),
		DecidedAt: now,
	})

	return types.EvaluateResponse{
		Allow:       d.Allow,
		Reason:      string(d.Reason),
		PersonID:    personID,
		KeyID:       keyID,
		EvaluatedAt: formatTime(now, e.loc),
	}, nil
}

// decide loads from r only what the precedence rules can reach: nothing
// beyond the two records for an inactive person or key, and no profile when
// an exception exists. It does not touch metrics; callers that act on the
// decision count denials with countDenial.
func (e *AccessEvaluator) decide(ctx context.Context, r store.PolicyReader, person policy.Person, key policy.Key, now time.Time) (policy.Decision, error) {
	in := policy.Input{Person: person, Key: key, Now: now, Location: e.loc}

	if person.Active && key.Active {
		exc, err := r.Exception(ctx, key.ID, person.ID)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("exception %s/%s: %w", key.ID, person.ID, err)
		}
		in.Exception = exc

		if exc == nil && person.ProfileID != "" {
			prof, err := r.Profile(ctx, person.ProfileID)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return policy.Decision{}, fmt.Errorf("profile %s: %w", person.ProfileID, err)
			default:
				in.Profile = &prof
			}
		}
	}

	return policy.Evaluate(in), nil
}

func countDenial(d policy.Decision) {
	if !d.Allow {
		denialsTotal.WithLabelValues(string(d.Reason)).Inc()
	}
}

// record appends to the decision log. Errors are logged, not returned: a
// failed audit write must not change the outcome the operator sees.
func (e *AccessEvaluator) record(ctx context.Context, rec store.DecisionRecord) {
	if e.decisions == nil {
		return
	}
	if err := e.decisions.RecordDecision(ctx, rec); err != nil {
		decisionLogErrorsTotal.Inc()
		e.logger.Warn("decision log write failed",
			slog.String("person_id", rec.PersonID),
			slog.String("key_id", rec.KeyID),
			slog.String("action", rec.Action),
			slog.String("error", err.Error()),
		)
	}
}
