package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

//go:embed seed/dev.yaml
var devFixture []byte

// DevFixture returns the built-in development policy fixture.
func DevFixture() []byte { return devFixture }

type fixture struct {
	Locations []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"locations"`

	Profiles []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Days  []int  `yaml:"days"`
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"profiles"`

	Persons []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Document string `yaml:"document"`
		Phone    string `yaml:"phone"`
		Profile  string `yaml:"profile"`
		Active   *bool  `yaml:"active"`
	} `yaml:"persons"`

	Keys []struct {
		ID          string   `yaml:"id"`
		Code        string   `yaml:"code"`
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Location    string   `yaml:"location"`
		Profiles    []string `yaml:"profiles"`
		Active      *bool    `yaml:"active"`
	} `yaml:"keys"`

	Exceptions []struct {
		Key        string `yaml:"key"`
		Person     string `yaml:"person"`
		ValidUntil string `yaml:"valid_until"`
		Start      string `yaml:"start"`
		End        string `yaml:"end"`
	} `yaml:"exceptions"`
}

// SeedDev loads a YAML policy fixture into ps. Records are upserted, so
// seeding is idempotent. Parents are written before children.
func SeedDev(ctx context.Context, ps store.PolicyStore, data []byte) error {
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	for _, l := range fx.Locations {
		if err := ps.PutLocation(ctx, policy.Location{ID: l.ID, Name: l.Name}); err != nil {
			return fmt.Errorf("seed location %s: %w", l.ID, err)
		}
	}

	for _, p := range fx.Profiles {
		w := policy.Window{}
		for _, d := range p.Days {
			w.Days = append(w.Days, time.Weekday(d))
		}
		var err error
		if w.Start, err = optionalTime(p.Start); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ID, err)
		}
		if w.End, err = optionalTime(p.End); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ID, err)
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ID, err)
		}
		if err := ps.PutProfile(ctx, policy.Profile{ID: p.ID, Name: p.Name, Window: w}); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ID, err)
		}
	}

	for _, p := range fx.Persons {
		if err := ps.PutPerson(ctx, policy.Person{
			ID:        p.ID,
			Name:      p.Name,
			Document:  p.Document,
			Phone:     p.Phone,
			ProfileID: p.Profile,
			Active:    p.Active == nil || *p.Active,
		}); err != nil {
			return fmt.Errorf("seed person %s: %w", p.ID, err)
		}
	}

	for _, k := range fx.Keys {
		if err := ps.PutKey(ctx, policy.Key{
			ID:              k.ID,
			Code:            k.Code,
			Name:            k.Name,
			Description:     k.Description,
			LocationID:      k.Location,
			AllowedProfiles: k.Profiles,
			Active:          k.Active == nil || *k.Active,
		}); err != nil {
			return fmt.Errorf("seed key %s: %w", k.ID, err)
		}
	}

	for _, e := range fx.Exceptions {
		exc := policy.Exception{KeyID: e.Key, PersonID: e.Person}
		if e.ValidUntil != "" {
			d, err := policy.ParseDate(e.ValidUntil)
			if err != nil {
				return fmt.Errorf("seed exception %s/%s: %w", e.Key, e.Person, err)
			}
			exc.ValidUntil = &d
		}
		var err error
		if exc.Start, err = optionalTime(e.Start); err != nil {
			return fmt.Errorf("seed exception %s/%s: %w", e.Key, e.Person, err)
		}
		if exc.End, err = optionalTime(e.End); err != nil {
			return fmt.Errorf("seed exception %s/%s: %w", e.Key, e.Person, err)
		}
		if err := exc.Validate(); err != nil {
			return fmt.Errorf("seed exception %s/%s: %w", e.Key, e.Person, err)
		}
		if err := ps.PutException(ctx, exc); err != nil {
			return fmt.Errorf("seed exception %s/%s: %w", e.Key, e.Person, err)
		}
	}

	return nil
}

func optionalTime(s string) (*policy.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := policy.ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
