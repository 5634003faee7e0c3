package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPerson(sc scanner) (policy.Person, error) {
	var p policy.Person
	var active int
	if err := sc.Scan(&p.ID, &p.Name, &p.Document, &p.Phone, &p.ProfileID, &active); err != nil {
		return policy.Person{}, err
	}
	p.Active = active == 1
	return p, nil
}

func scanKey(sc scanner) (policy.Key, error) {
	var k policy.Key
	var active int
	if err := sc.Scan(&k.ID, &k.Code, &k.Name, &k.Description, &k.LocationID, &active); err != nil {
		return policy.Key{}, err
	}
	k.Active = active == 1
	return k, nil
}

func scanProfile(sc scanner) (policy.Profile, error) {
	var p policy.Profile
	var mask int
	var start, end sql.NullInt64
	if err := sc.Scan(&p.ID, &p.Name, &mask, &start, &end); err != nil {
		return policy.Profile{}, err
	}
	p.Window = policy.Window{
		Days:  store.DaysFromMask(mask),
		Start: timeOfDay(start),
		End:   timeOfDay(end),
	}
	return p, nil
}

func scanException(sc scanner) (policy.Exception, error) {
	var e policy.Exception
	var validUntil sql.NullString
	var start, end sql.NullInt64
	if err := sc.Scan(&e.KeyID, &e.PersonID, &validUntil, &start, &end); err != nil {
		return policy.Exception{}, err
	}
	if validUntil.Valid && strings.TrimSpace(validUntil.String) != "" {
		d, err := policy.ParseDate(validUntil.String)
		if err != nil {
			return policy.Exception{}, err
		}
		e.ValidUntil = &d
	}
	e.Start = timeOfDay(start)
	e.End = timeOfDay(end)
	return e, nil
}

const loanColumns = `loan_id, key_id, person_id, location_id, checked_out_at_ms, checked_out_by,
  returned_at_ms, returned_by, return_note`

func scanLoan(sc scanner) (store.LoanRecord, error) {
	var r store.LoanRecord
	var outMs int64
	var retMs sql.NullInt64
	if err := sc.Scan(
		&r.ID, &r.KeyID, &r.PersonID, &r.LocationID, &outMs, &r.CheckedOutBy,
		&retMs, &r.ReturnedBy, &r.ReturnNote,
	); err != nil {
		return store.LoanRecord{}, err
	}
	r.CheckedOutAt = fromMs(outMs)
	if retMs.Valid {
		t := fromMs(retMs.Int64)
		r.ReturnedAt = &t
	}
	return r, nil
}

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timeOfDay(n sql.NullInt64) *policy.TimeOfDay {
	if !n.Valid {
		return nil
	}
	t := policy.TimeOfDay(n.Int64)
	return &t
}

func minutes(t *policy.TimeOfDay) any {
	if t == nil {
		return nil
	}
	return int(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
