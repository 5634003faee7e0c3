// Package sqlite implements the store contracts on an embedded SQLite
// database. Reads use the shared *sql.DB; every write is funnelled through
// the single-writer db.Worker.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

type PolicyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPolicyStore(db *sql.DB, writer *dbpkg.Worker) *PolicyStore {
	return &PolicyStore{db: db, writer: writer}
}

func (s *PolicyStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *PolicyStore) Person(ctx context.Context, id string) (policy.Person, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT person_id, name, document, phone, COALESCE(profile_id, ''), active
FROM persons WHERE person_id = ?;
`, id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Person{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Person{}, fmt.Errorf("Person: %w", err)
	}
	return p, nil
}

func (s *PolicyStore) Key(ctx context.Context, id string) (policy.Key, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key_id, code, name, description, location_id, active
FROM keys WHERE key_id = ?;
`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Key{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Key{}, fmt.Errorf("Key: %w", err)
	}

	profiles, err := s.keyProfiles(ctx, id)
	if err != nil {
		return policy.Key{}, err
	}
	k.AllowedProfiles = profiles[id]
	return k, nil
}

func (s *PolicyStore) Profile(ctx context.Context, id string) (policy.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT profile_id, name, days_mask, start_min, end_min
FROM profiles WHERE profile_id = ?;
`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Profile{}, fmt.Errorf("Profile: %w", err)
	}
	return p, nil
}

func (s *PolicyStore) Location(ctx context.Context, id string) (policy.Location, error) {
	var l policy.Location
	err := s.db.QueryRowContext(ctx, `
SELECT location_id, name FROM locations WHERE location_id = ?;
`, id).Scan(&l.ID, &l.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Location{}, store.ErrNotFound
	}
	if err != nil {
		return policy.Location{}, fmt.Errorf("Location: %w", err)
	}
	return l, nil
}

func (s *PolicyStore) Exception(ctx context.Context, keyID, personID string) (*policy.Exception, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key_id, person_id, valid_until, start_min, end_min
FROM key_exceptions WHERE key_id = ? AND person_id = ?;
`, keyID, personID)
	e, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Exception: %w", err)
	}
	return &e, nil
}

func (s *PolicyStore) Keys(ctx context.Context, f store.KeyFilter) ([]policy.Key, error) {
	q := `SELECT key_id, code, name, description, location_id, active FROM keys WHERE 1 = 1`
	var args []any
	if f.LocationID != "" {
		q += ` AND location_id = ?`
		args = append(args, f.LocationID)
	}
	if needle := strings.TrimSpace(f.Search); needle != "" {
		like := "%" + escapeLike(needle) + "%"
		q += ` AND (code LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`
		args = append(args, like, like)
	}
	if f.ActiveOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY code, key_id;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("Keys: %w", err)
	}
	var out []policy.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("Keys scan: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Keys: %w", err)
	}

	// Second query only after rows are closed: the pool has one connection.
	profiles, err := s.keyProfiles(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].AllowedProfiles = profiles[out[i].ID]
	}
	return out, nil
}

// keyProfiles maps key id to its allowed profiles; keyID="" loads all keys.
func (s *PolicyStore) keyProfiles(ctx context.Context, keyID string) (map[string][]string, error) {
	q := `SELECT key_id, profile_id FROM key_profiles`
	var args []any
	if keyID != "" {
		q += ` WHERE key_id = ?`
		args = append(args, keyID)
	}
	q += ` ORDER BY key_id, profile_id;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("key profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var k, p string
		if err := rows.Scan(&k, &p); err != nil {
			return nil, fmt.Errorf("key profiles scan: %w", err)
		}
		out[k] = append(out[k], p)
	}
	return out, rows.Err()
}

func (s *PolicyStore) Persons(ctx context.Context, f store.PersonFilter) ([]policy.Person, error) {
	q := `SELECT person_id, name, document, phone, COALESCE(profile_id, ''), active FROM persons WHERE 1 = 1`
	var args []any
	if needle := strings.TrimSpace(f.Search); needle != "" {
		// LIKE is case-insensitive for ASCII in SQLite.
		like := "%" + escapeLike(needle) + "%"
		q += ` AND (name LIKE ? ESCAPE '\' OR document LIKE ? ESCAPE '\')`
		args = append(args, like, like)
	}
	if f.ActiveOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY name, person_id;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("Persons: %w", err)
	}
	defer rows.Close()

	var out []policy.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("Persons scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PolicyStore) Profiles(ctx context.Context) ([]policy.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT profile_id, name, days_mask, start_min, end_min
FROM profiles ORDER BY name, profile_id;
`)
	if err != nil {
		return nil, fmt.Errorf("Profiles: %w", err)
	}
	defer rows.Close()

	var out []policy.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("Profiles scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PolicyStore) Locations(ctx context.Context) ([]policy.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT location_id, name FROM locations ORDER BY name, location_id;`)
	if err != nil {
		return nil, fmt.Errorf("Locations: %w", err)
	}
	defer rows.Close()

	var out []policy.Location
	for rows.Next() {
		var l policy.Location
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, fmt.Errorf("Locations scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PolicyStore) Exceptions(ctx context.Context, keyID string) ([]policy.Exception, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, person_id, valid_until, start_min, end_min
FROM key_exceptions WHERE key_id = ? ORDER BY person_id;
`, keyID)
	if err != nil {
		return nil, fmt.Errorf("Exceptions: %w", err)
	}
	defer rows.Close()

	var out []policy.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("Exceptions scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Writes ──────────────────────────────────────────────────────────────────

func (s *PolicyStore) PutLocation(ctx context.Context, l policy.Location) error {
	now := time.Now().UTC().UnixMilli()
	return s.write(ctx, "PutLocation", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO locations(location_id, name, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(location_id) DO UPDATE SET
  name = excluded.name,
  updated_at_ms = excluded.updated_at_ms;
`, l.ID, l.Name, now)
		return err
	})
}

func (s *PolicyStore) PutProfile(ctx context.Context, p policy.Profile) error {
	now := time.Now().UTC().UnixMilli()
	return s.write(ctx, "PutProfile", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO profiles(profile_id, name, days_mask, start_min, end_min, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(profile_id) DO UPDATE SET
  name = excluded.name,
  days_mask = excluded.days_mask,
  start_min = excluded.start_min,
  end_min = excluded.end_min,
  updated_at_ms = excluded.updated_at_ms;
`, p.ID, p.Name, store.DaysMask(p.Window.Days), minutes(p.Window.Start), minutes(p.Window.End), now)
		return err
	})
}

func (s *PolicyStore) PutKey(ctx context.Context, k policy.Key) error {
	now := time.Now().UTC().UnixMilli()
	return s.write(ctx, "PutKey", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO keys(key_id, code, name, description, location_id, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key_id) DO UPDATE SET
  code = excluded.code,
  name = excluded.name,
  description = excluded.description,
  location_id = excluded.location_id,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;
`, k.ID, k.Code, k.Name, k.Description, k.LocationID, boolInt(k.Active), now, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM key_profiles WHERE key_id = ?;`, k.ID); err != nil {
			return err
		}
		for _, p := range k.AllowedProfiles {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO key_profiles(key_id, profile_id) VALUES (?, ?);
`, k.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PolicyStore) SetKeyActive(ctx context.Context, id string, active bool) error {
	return s.setActive(ctx, "SetKeyActive", `UPDATE keys SET active = ?, updated_at_ms = ? WHERE key_id = ?;`, id, active)
}

func (s *PolicyStore) PutPerson(ctx context.Context, p policy.Person) error {
	now := time.Now().UTC().UnixMilli()
	var profileID any
	if p.ProfileID != "" {
		profileID = p.ProfileID
	}
	return s.write(ctx, "PutPerson", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO persons(person_id, name, document, phone, profile_id, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(person_id) DO UPDATE SET
  name = excluded.name,
  document = excluded.document,
  phone = excluded.phone,
  profile_id = excluded.profile_id,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;
`, p.ID, p.Name, p.Document, p.Phone, profileID, boolInt(p.Active), now, now)
		return err
	})
}

func (s *PolicyStore) SetPersonActive(ctx context.Context, id string, active bool) error {
	return s.setActive(ctx, "SetPersonActive", `UPDATE persons SET active = ?, updated_at_ms = ? WHERE person_id = ?;`, id, active)
}

func (s *PolicyStore) PutException(ctx context.Context, e policy.Exception) error {
	now := time.Now().UTC().UnixMilli()
	var validUntil any
	if e.ValidUntil != nil {
		validUntil = e.ValidUntil.String()
	}
	return s.write(ctx, "PutException", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO key_exceptions(key_id, person_id, valid_until, start_min, end_min, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(key_id, person_id) DO UPDATE SET
  valid_until = excluded.valid_until,
  start_min = excluded.start_min,
  end_min = excluded.end_min,
  updated_at_ms = excluded.updated_at_ms;
`, e.KeyID, e.PersonID, validUntil, minutes(e.Start), minutes(e.End), now)
		return err
	})
}

func (s *PolicyStore) DeleteException(ctx context.Context, keyID, personID string) error {
	return s.write(ctx, "DeleteException", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM key_exceptions WHERE key_id = ? AND person_id = ?;
`, keyID, personID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *PolicyStore) DeleteLocation(ctx context.Context, id string) error {
	return s.write(ctx, "DeleteLocation", func(ctx context.Context, tx *sql.Tx) error {
		if err := refused(ctx, tx, "location "+id,
			`SELECT key_id FROM keys WHERE location_id = ? LIMIT 1;`, id); err != nil {
			return err
		}
		return deleteOne(ctx, tx, `DELETE FROM locations WHERE location_id = ?;`, id)
	})
}

func (s *PolicyStore) DeleteProfile(ctx context.Context, id string) error {
	return s.write(ctx, "DeleteProfile", func(ctx context.Context, tx *sql.Tx) error {
		if err := refused(ctx, tx, "profile "+id, `
SELECT key_id FROM key_profiles WHERE profile_id = ?
UNION ALL
SELECT person_id FROM persons WHERE profile_id = ?
LIMIT 1;`, id, id); err != nil {
			return err
		}
		return deleteOne(ctx, tx, `DELETE FROM profiles WHERE profile_id = ?;`, id)
	})
}

// refused returns ErrInUse when query yields a referencing row.
func refused(ctx context.Context, tx *sql.Tx, what, query string, args ...any) error {
	var ref string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&ref)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	default:
		return fmt.Errorf("%s: referenced by %s: %w", what, ref, store.ErrInUse)
	}
}

func deleteOne(ctx context.Context, tx *sql.Tx, query, id string) error {
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PolicyStore) setActive(ctx context.Context, op, query, id string, active bool) error {
	now := time.Now().UTC().UnixMilli()
	return s.write(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, boolInt(active), now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// write runs fn on the worker and maps constraint failures to store errors.
func (s *PolicyStore) write(ctx context.Context, op string, fn dbpkg.TxFn) error {
	err := s.writer.Do(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return err
	case dbpkg.IsForeignKeyViolation(err):
		return fmt.Errorf("%s: referenced record: %w", op, store.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
