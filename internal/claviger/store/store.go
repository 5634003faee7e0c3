// Package store defines the persistence contracts for key custody: the
// policy store (keys, profiles, persons, exceptions, locations), the custody
// ledger (loans), the decision log and incidents.
//
// Implementations live in the memory, sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyInCustody     = errors.New("key already in custody")
	ErrNoOpenLoan           = errors.New("key has no open loan")
	ErrConcurrentConflict   = errors.New("concurrent custody conflict")
	ErrReturnBeforeCheckout = errors.New("return precedes checkout")
	ErrIntegrity            = errors.New("custody ledger integrity violation")
	// ErrInUse rejects deleting a location or profile that keys or persons
	// still reference.
	ErrInUse = errors.New("record still referenced")
)

// KeyError attaches the offending key to a ledger error.
type KeyError struct {
	KeyID string
	Err   error
}

func (e *KeyError) Error() string { return fmt.Sprintf("key %s: %v", e.KeyID, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// ── Policy ──────────────────────────────────────────────────────────────────

type KeyFilter struct {
	LocationID string // empty = every location
	Search     string // case-insensitive substring of code or name
	ActiveOnly bool
}

func (f KeyFilter) Match(k policy.Key) bool {
	if f.LocationID != "" && k.LocationID != f.LocationID {
		return false
	}
	if f.ActiveOnly && !k.Active {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(f.Search))
	return needle == "" ||
		strings.Contains(strings.ToLower(k.Code), needle) ||
		strings.Contains(strings.ToLower(k.Name), needle)
}

type PersonFilter struct {
	Search     string // case-insensitive substring of name or document
	ActiveOnly bool
}

// PolicyReader is the read side used by evaluation and queries. Lookups of a
// single record return ErrNotFound when it does not exist. Exception returns
// (nil, nil) when no override exists for the pair.
type PolicyReader interface {
	Person(ctx context.Context, id string) (policy.Person, error)
	Key(ctx context.Context, id string) (policy.Key, error)
	Profile(ctx context.Context, id string) (policy.Profile, error)
	Location(ctx context.Context, id string) (policy.Location, error)
	Exception(ctx context.Context, keyID, personID string) (*policy.Exception, error)

	Keys(ctx context.Context, f KeyFilter) ([]policy.Key, error)
	Persons(ctx context.Context, f PersonFilter) ([]policy.Person, error)
	Profiles(ctx context.Context) ([]policy.Profile, error)
	Locations(ctx context.Context) ([]policy.Location, error)
	Exceptions(ctx context.Context, keyID string) ([]policy.Exception, error)
}

// PolicyStore adds the administrative writes. Put* are upserts; keys and
// persons are never deleted, only deactivated. Locations and profiles can be
// deleted once nothing references them (ErrInUse otherwise).
type PolicyStore interface {
	PolicyReader

	PutLocation(ctx context.Context, l policy.Location) error
	PutProfile(ctx context.Context, p policy.Profile) error
	PutKey(ctx context.Context, k policy.Key) error
	SetKeyActive(ctx context.Context, id string, active bool) error
	PutPerson(ctx context.Context, p policy.Person) error
	SetPersonActive(ctx context.Context, id string, active bool) error
	PutException(ctx context.Context, e policy.Exception) error
	DeleteException(ctx context.Context, keyID, personID string) error
	DeleteLocation(ctx context.Context, id string) error
	DeleteProfile(ctx context.Context, id string) error
}

// ── Ledger ──────────────────────────────────────────────────────────────────

// LoanRecord is one custody interval. ReturnedAt is nil while the key is
// held.
type LoanRecord struct {
	ID           string
	KeyID        string
	PersonID     string
	LocationID   string // key's location at checkout
	CheckedOutAt time.Time
	CheckedOutBy string
	ReturnedAt   *time.Time
	ReturnedBy   string
	ReturnNote   string
}

func (r LoanRecord) Open() bool { return r.ReturnedAt == nil }

// Check reports ErrIntegrity for a record no ledger should ever hold.
func (r LoanRecord) Check() error {
	if r.ReturnedAt != nil && r.ReturnedAt.Before(r.CheckedOutAt) {
		return fmt.Errorf("%w: loan %s returned before checkout", ErrIntegrity, r.ID)
	}
	return nil
}

// KeyStatus is the ledger's view of one key.
type KeyStatus struct {
	KeyID     string
	InCustody bool
	LoanID    string
	PersonID  string
	Since     time.Time
}

func StatusOf(rec LoanRecord) KeyStatus {
	return KeyStatus{
		KeyID:     rec.KeyID,
		InCustody: true,
		LoanID:    rec.ID,
		PersonID:  rec.PersonID,
		Since:     rec.CheckedOutAt,
	}
}

type OpenRequest struct {
	KeyID      string
	PersonID   string
	LocationID string
	Operator   string
	At         time.Time
}

type CloseRequest struct {
	KeyID    string
	Operator string
	Note     string
	At       time.Time
}

type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// LoanFilter narrows History. From/To bound the checkout instant as
// [From, To); zero values are open ends.
type LoanFilter struct {
	PersonID   string
	KeyID      string
	LocationID string
	From       time.Time
	To         time.Time
	OpenOnly   bool
	Order      Order
	Limit      int // 0 = unlimited
}

func (f LoanFilter) Match(r LoanRecord) bool {
	switch {
	case f.PersonID != "" && r.PersonID != f.PersonID:
		return false
	case f.KeyID != "" && r.KeyID != f.KeyID:
		return false
	case f.LocationID != "" && r.LocationID != f.LocationID:
		return false
	case !f.From.IsZero() && r.CheckedOutAt.Before(f.From):
		return false
	case !f.To.IsZero() && !r.CheckedOutAt.Before(f.To):
		return false
	case f.OpenOnly && !r.Open():
		return false
	}
	return true
}

// Ledger is the single source of truth for who holds which key. Every
// implementation guarantees at most one open loan per key.
type Ledger interface {
	Status(ctx context.Context, keyID string) (KeyStatus, error)

	// OpenLoan fails with ErrAlreadyInCustody when the key is held, or
	// ErrConcurrentConflict when a racing writer won.
	OpenLoan(ctx context.Context, req OpenRequest) (LoanRecord, error)

	// OpenLoans opens every request or none. Failures are *KeyError.
	OpenLoans(ctx context.Context, reqs []OpenRequest) ([]LoanRecord, error)

	CloseLoan(ctx context.Context, req CloseRequest) (LoanRecord, error)

	// History yields matching loans ordered by checkout instant. The
	// sequence is lazy and may be ranged more than once; iteration stops
	// after the first error.
	History(ctx context.Context, f LoanFilter) iter.Seq2[LoanRecord, error]
}

// ── Decision log ────────────────────────────────────────────────────────────

const (
	ActionEvaluate = "evaluate"
	ActionCheckout = "checkout"
	ActionReturn   = "return"
)

// DecisionRecord captures one access decision for the audit log.
type DecisionRecord struct {
	PersonID  string
	KeyID     string
	Operator  string
	Action    string
	Allowed   bool
	Reason    string
	DecidedAt time.Time
}

// DecisionLog persists decisions as an append-only log.
type DecisionLog interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Incidents ───────────────────────────────────────────────────────────────

type IncidentRecord struct {
	ID          string
	LocationID  string
	ReportedBy  string
	Description string
	OccurredAt  time.Time
}

type IncidentFilter struct {
	LocationID string
	Limit      int
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, rec IncidentRecord) error
	// Incidents returns the newest incidents first.
	Incidents(ctx context.Context, f IncidentFilter) ([]IncidentRecord, error)
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DaysMask packs weekdays into a bitmask (bit n = weekday n). An empty set
// packs to 0, which reads back as every day.
func DaysMask(days []time.Weekday) int {
	m := 0
	for _, d := range days {
		m |= 1 << uint(d)
	}
	return m
}

func DaysFromMask(m int) []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m&(1<<uint(d)) != 0 {
			out = append(out, d)
		}
	}
	return out
}
