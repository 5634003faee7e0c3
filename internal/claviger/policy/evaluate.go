package policy

import "time"

// Reason explains a Decision. Deny reasons are part of the API contract.
type Reason string

const (
	ReasonProfileGranted   Reason = "profile_granted"
	ReasonExceptionGranted Reason = "exception_granted"

	ReasonPersonInactive         Reason = "person_inactive"
	ReasonKeyInactive            Reason = "key_inactive"
	ReasonExceptionExpired       Reason = "exception_expired"
	ReasonOutsideExceptionWindow Reason = "outside_exception_window"
	ReasonProfileNotPermitted    Reason = "profile_not_permitted"
	ReasonOutsideProfileWindow   Reason = "outside_profile_window"
)

// Decision is the outcome of an access evaluation. A denial is a normal
// result, not an error.
type Decision struct {
	Allow  bool
	Reason Reason
}

// Input carries every fact Evaluate needs. Profile is the person's assigned
// profile (nil when the record is missing) and Exception is the override
// row for this (key, person) pair, if any.
type Input struct {
	Person    Person
	Key       Key
	Profile   *Profile
	Exception *Exception
	Now       time.Time
	// Location is the institution's time zone. Now is converted into it
	// before any weekday, date or time-of-day comparison.
	Location *time.Location
}

// Evaluate applies the rules in fixed precedence; the first rule that
// matches decides. It has no side effects.
func Evaluate(in Input) Decision {
	if !in.Person.Active {
		return deny(ReasonPersonInactive)
	}
	if !in.Key.Active {
		return deny(ReasonKeyInactive)
	}

	local := in.Now
	if in.Location != nil {
		local = in.Now.In(in.Location)
	}

	// An exception fully replaces the profile rules, including the weekday
	// set. A lapsed exception is a hard deny with no profile fallback.
	if exc := in.Exception; exc != nil {
		if exc.ValidUntil != nil && DateOf(local).After(*exc.ValidUntil) {
			return deny(ReasonExceptionExpired)
		}
		if !clockWithin(exc.Start, exc.End, local) {
			return deny(ReasonOutsideExceptionWindow)
		}
		return Decision{Allow: true, Reason: ReasonExceptionGranted}
	}

	if !in.Key.Permits(in.Person.ProfileID) || in.Profile == nil || in.Profile.ID != in.Person.ProfileID {
		return deny(ReasonProfileNotPermitted)
	}
	if !in.Profile.Window.Contains(local) {
		return deny(ReasonOutsideProfileWindow)
	}
	return Decision{Allow: true, Reason: ReasonProfileGranted}
}

// Validate rejects an exception whose daily window can never match.
func (e Exception) Validate() error {
	return validateRange(e.Start, e.End)
}

func deny(r Reason) Decision {
	return Decision{Allow: false, Reason: r}
}
