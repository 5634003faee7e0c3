package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

const keySelect = `
SELECT k.key_id, k.code, k.name, k.description, k.location_id, k.active,
       COALESCE(array_agg(kp.profile_id ORDER BY kp.profile_id) FILTER (WHERE kp.profile_id IS NOT NULL), '{}')
FROM keys k
LEFT JOIN key_profiles kp ON kp.key_id = k.key_id`

func scanKey(row pgx.Row) (policy.Key, error) {
	var k policy.Key
	err := row.Scan(&k.ID, &k.Code, &k.Name, &k.Description, &k.LocationID, &k.Active, &k.AllowedProfiles)
	return k, err
}

func scanPerson(row pgx.Row) (policy.Person, error) {
	var p policy.Person
	err := row.Scan(&p.ID, &p.Name, &p.Document, &p.Phone, &p.ProfileID, &p.Active)
	return p, err
}

func scanProfile(row pgx.Row) (policy.Profile, error) {
	var p policy.Profile
	var mask int
	var start, end *int16
	if err := row.Scan(&p.ID, &p.Name, &mask, &start, &end); err != nil {
		return policy.Profile{}, err
	}
	p.Window = policy.Window{Days: store.DaysFromMask(mask), Start: timeOfDay(start), End: timeOfDay(end)}
	return p, nil
}

func scanException(row pgx.Row) (policy.Exception, error) {
	var e policy.Exception
	var validUntil *time.Time
	var start, end *int16
	if err := row.Scan(&e.KeyID, &e.PersonID, &validUntil, &start, &end); err != nil {
		return policy.Exception{}, err
	}
	if validUntil != nil {
		d := policy.DateOf(*validUntil)
		e.ValidUntil = &d
	}
	e.Start = timeOfDay(start)
	e.End = timeOfDay(end)
	return e, nil
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *Store) Person(ctx context.Context, id string) (policy.Person, error) {
	p, err := scanPerson(s.pool.QueryRow(ctx, `
SELECT person_id, name, document, phone, COALESCE(profile_id, ''), active
FROM persons WHERE person_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Person{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Person{}, fmt.Errorf("Person: %w", err)
	}
	return p, nil
}

func (s *Store) Key(ctx context.Context, id string) (policy.Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, keySelect+` WHERE k.key_id = $1 GROUP BY k.key_id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Key{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Key{}, fmt.Errorf("Key: %w", err)
	}
	return k, nil
}

func (s *Store) Profile(ctx context.Context, id string) (policy.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `
SELECT profile_id, name, days_mask, start_min, end_min FROM profiles WHERE profile_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Profile{}, fmt.Errorf("Profile: %w", err)
	}
	return p, nil
}

func (s *Store) Location(ctx context.Context, id string) (policy.Location, error) {
	var l policy.Location
	err := s.pool.QueryRow(ctx, `SELECT location_id, name FROM locations WHERE location_id = $1`, id).Scan(&l.ID, &l.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Location{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Location{}, fmt.Errorf("Location: %w", err)
	}
	return l, nil
}

func (s *Store) Exception(ctx context.Context, keyID, personID string) (*policy.Exception, error) {
	e, err := scanException(s.pool.QueryRow(ctx, `
SELECT key_id, person_id, valid_until, start_min, end_min
FROM key_exceptions WHERE key_id = $1 AND person_id = $2`, keyID, personID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Exception: %w", err)
	}
	return &e, nil
}

func (s *Store) Keys(ctx context.Context, f store.KeyFilter) ([]policy.Key, error) {
	needle := strings.TrimSpace(f.Search)
	q := keySelect + ` WHERE ($1 = '' OR k.location_id = $1) AND (NOT $2 OR k.active)
  AND ($3 = '' OR k.code ILIKE $4 OR k.name ILIKE $4)
GROUP BY k.key_id ORDER BY k.code, k.key_id`
	return collect(ctx, s.pool, "Keys", scanKey, q, f.LocationID, f.ActiveOnly, needle, likePattern(needle))
}

func (s *Store) Persons(ctx context.Context, f store.PersonFilter) ([]policy.Person, error) {
	needle := strings.TrimSpace(f.Search)
	like := likePattern(needle)
	q := `
SELECT person_id, name, document, phone, COALESCE(profile_id, ''), active
FROM persons
WHERE ($1 = '' OR name ILIKE $2 OR document ILIKE $2) AND (NOT $3 OR active)
ORDER BY name, person_id`
	return collect(ctx, s.pool, "Persons", scanPerson, q, needle, like, f.ActiveOnly)
}

func (s *Store) Profiles(ctx context.Context) ([]policy.Profile, error) {
	return collect(ctx, s.pool, "Profiles", scanProfile,
		`SELECT profile_id, name, days_mask, start_min, end_min FROM profiles ORDER BY name, profile_id`)
}

func (s *Store) Locations(ctx context.Context) ([]policy.Location, error) {
	return collect(ctx, s.pool, "Locations", func(row pgx.Row) (policy.Location, error) {
		var l policy.Location
		err := row.Scan(&l.ID, &l.Name)
		return l, err
	}, `SELECT location_id, name FROM locations ORDER BY name, location_id`)
}

func (s *Store) Exceptions(ctx context.Context, keyID string) ([]policy.Exception, error) {
	return collect(ctx, s.pool, "Exceptions", scanException, `
SELECT key_id, person_id, valid_until, start_min, end_min
FROM key_exceptions WHERE key_id = $1 ORDER BY person_id`, keyID)
}

func collect[T any](ctx context.Context, db DBTX, op string, scan func(pgx.Row) (T, error), q string, args ...any) ([]T, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ── Writes ──────────────────────────────────────────────────────────────────

func (s *Store) PutLocation(ctx context.Context, l policy.Location) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO locations(location_id, name) VALUES ($1, $2)
ON CONFLICT (location_id) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`, l.ID, l.Name)
	return mapWriteErr("PutLocation", err)
}

func (s *Store) PutProfile(ctx context.Context, p policy.Profile) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO profiles(profile_id, name, days_mask, start_min, end_min) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (profile_id) DO UPDATE SET
  name = EXCLUDED.name,
  days_mask = EXCLUDED.days_mask,
  start_min = EXCLUDED.start_min,
  end_min = EXCLUDED.end_min,
  updated_at = now()`,
		p.ID, p.Name, store.DaysMask(p.Window.Days), minutes(p.Window.Start), minutes(p.Window.End))
	return mapWriteErr("PutProfile", err)
}

func (s *Store) PutKey(ctx context.Context, k policy.Key) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO keys(key_id, code, name, description, location_id, active) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key_id) DO UPDATE SET
  code = EXCLUDED.code,
  name = EXCLUDED.name,
  description = EXCLUDED.description,
  location_id = EXCLUDED.location_id,
  active = EXCLUDED.active,
  updated_at = now()`,
			k.ID, k.Code, k.Name, k.Description, k.LocationID, k.Active); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM key_profiles WHERE key_id = $1`, k.ID); err != nil {
			return err
		}
		for _, p := range k.AllowedProfiles {
			if _, err := tx.Exec(ctx, `
INSERT INTO key_profiles(key_id, profile_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, k.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
	return mapWriteErr("PutKey", err)
}

func (s *Store) SetKeyActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE keys SET active = $2, updated_at = now() WHERE key_id = $1`, id, active)
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	return mapWriteErr("SetKeyActive", err)
}

func (s *Store) PutPerson(ctx context.Context, p policy.Person) error {
	var profileID *string
	if p.ProfileID != "" {
		profileID = &p.ProfileID
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO persons(person_id, name, document, phone, profile_id, active) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (person_id) DO UPDATE SET
  name = EXCLUDED.name,
  document = EXCLUDED.document,
  phone = EXCLUDED.phone,
  profile_id = EXCLUDED.profile_id,
  active = EXCLUDED.active,
  updated_at = now()`,
		p.ID, p.Name, p.Document, p.Phone, profileID, p.Active)
	return mapWriteErr("PutPerson", err)
}

func (s *Store) SetPersonActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE persons SET active = $2, updated_at = now() WHERE person_id = $1`, id, active)
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	return mapWriteErr("SetPersonActive", err)
}

func (s *Store) PutException(ctx context.Context, e policy.Exception) error {
	var validUntil *time.Time
	if e.ValidUntil != nil {
		d := time.Date(e.ValidUntil.Year, e.ValidUntil.Month, e.ValidUntil.Day, 0, 0, 0, 0, time.UTC)
		validUntil = &d
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO key_exceptions(key_id, person_id, valid_until, start_min, end_min) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key_id, person_id) DO UPDATE SET
  valid_until = EXCLUDED.valid_until,
  start_min = EXCLUDED.start_min,
  end_min = EXCLUDED.end_min,
  updated_at = now()`,
		e.KeyID, e.PersonID, validUntil, minutes(e.Start), minutes(e.End))
	return mapWriteErr("PutException", err)
}

func (s *Store) DeleteException(ctx context.Context, keyID, personID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM key_exceptions WHERE key_id = $1 AND person_id = $2`, keyID, personID)
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	return mapWriteErr("DeleteException", err)
}

func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	return s.deleteUnreferenced(ctx, "DeleteLocation", "location "+id,
		`SELECT key_id FROM keys WHERE location_id = $1 LIMIT 1`,
		`DELETE FROM locations WHERE location_id = $1`, id)
}

func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	return s.deleteUnreferenced(ctx, "DeleteProfile", "profile "+id, `
SELECT key_id FROM key_profiles WHERE profile_id = $1
UNION ALL
SELECT person_id FROM persons WHERE profile_id = $1
LIMIT 1`,
		`DELETE FROM profiles WHERE profile_id = $1`, id)
}

// deleteUnreferenced deletes one row unless refQuery finds a referencing
// row. A reference inserted concurrently still fails the delete through its
// foreign key.
func (s *Store) deleteUnreferenced(ctx context.Context, op, what, refQuery, delQuery, id string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var ref string
		err := tx.QueryRow(ctx, refQuery, id).Scan(&ref)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			return fmt.Errorf("%s: referenced by %s: %w", what, ref, store.ErrInUse)
		}

		tag, err := tx.Exec(ctx, delQuery, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if dbpkg.IsForeignKeyViolation(err) {
		return fmt.Errorf("%s: %s: %w", op, what, store.ErrInUse)
	}
	return mapWriteErr(op, err)
}

func likePattern(needle string) string {
	return "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(needle) + "%"
}
