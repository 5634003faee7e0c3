package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidPersonID       = fmt.Errorf("%w: person_id is required", ErrInvalidInput)
	ErrInvalidKeyID          = fmt.Errorf("%w: key_id is required", ErrInvalidInput)
	ErrEmptyCheckout         = fmt.Errorf("%w: at least one key is required", ErrInvalidInput)
	ErrDuplicateKeyInRequest = fmt.Errorf("%w: key listed more than once", ErrInvalidInput)
)

// Reasons reported for checkout failures that are not policy denials.
const (
	ReasonKeyNotFound        = "key_not_found"
	ReasonAlreadyInCustody   = "already_in_custody"
	ReasonConcurrentConflict = "concurrent_conflict"
	ReasonReturned           = "returned"
	ReasonBatchRejected      = "batch_rejected"
)

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// parseOptionalTimestamp returns fallback for an empty string and an
// invalid-input error for anything that is not RFC3339.
func parseOptionalTimestamp(s string, fallback time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, invalidf("timestamp %q is not RFC3339", s)
	}
	return t, nil
}

func formatTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t, loc)
	return &s
}
