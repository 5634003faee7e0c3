package service_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

func TestPolicyAdmin_PutProfileValidatesWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   types.ProfileInput
		want error
	}{
		{"midnight crossing", types.ProfileInput{Name: "Noturno", Start: "22:00", End: "06:00"}, policy.ErrInvalidWindow},
		{"bad weekday", types.ProfileInput{Name: "X", Days: []int{7}}, policy.ErrInvalidWeekday},
		{"bad clock", types.ProfileInput{Name: "X", Start: "7h"}, policy.ErrInvalidTimeOfDay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.admin.PutProfile(ctx, "noturno", tc.in)
			if !errors.Is(err, service.ErrInvalidInput) || !errors.Is(err, tc.want) {
				t.Errorf("expected ErrInvalidInput wrapping %v, got %v", tc.want, err)
			}
		})
	}

	v, err := env.admin.PutProfile(ctx, "vigias", types.ProfileInput{Name: "Vigias", Days: []int{6, 0}, Start: "18:00", End: "23:59"})
	if err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	if len(v.Days) != 2 || v.Days[0] != 0 || v.Start != "18:00" {
		t.Errorf("unexpected view: %+v", v)
	}
}

func TestPolicyAdmin_PutKeyChecksReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.admin.PutKey(ctx, "lab-201", types.KeyInput{Name: "Lab 201", LocationID: "bloco-z"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing location: expected ErrNotFound, got %v", err)
	}
	_, err = env.admin.PutKey(ctx, "lab-201", types.KeyInput{Name: "Lab 201", LocationID: "bloco-a", AllowedProfiles: []string{"reitoria"}})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing profile: expected ErrNotFound, got %v", err)
	}

	v, err := env.admin.PutKey(ctx, "lab-201", types.KeyInput{
		Name:            "Lab 201",
		LocationID:      "bloco-a",
		AllowedProfiles: []string{"professores", "professores"},
	})
	if err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	if v.Code != "lab-201" || !v.Active || v.LocationName != "Bloco A" {
		t.Errorf("unexpected view: %+v", v)
	}
	k, _ := env.policies.Key(ctx, "lab-201")
	if len(k.AllowedProfiles) != 1 {
		t.Errorf("duplicate profiles should collapse, got %v", k.AllowedProfiles)
	}
}

// Admin writes drop the policy cache, so the next evaluation sees them.
func TestPolicyAdmin_WritesApplyToNextEvaluation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sunday := at(2025, time.January, 5, 10, 0)

	d, _ := env.evaluator.Evaluate(ctx, "bruno", "lab-101", sunday)
	if d.Reason != policy.ReasonOutsideProfileWindow {
		t.Fatalf("expected outside_profile_window, got %+v", d)
	}

	if _, err := env.admin.PutException(ctx, "lab-101", "bruno", types.ExceptionInput{}); err != nil {
		t.Fatalf("PutException: %v", err)
	}
	d, _ = env.evaluator.Evaluate(ctx, "bruno", "lab-101", sunday)
	if !d.Allow || d.Reason != policy.ReasonExceptionGranted {
		t.Errorf("expected exception_granted after PutException, got %+v", d)
	}

	if err := env.admin.SetPersonActive(ctx, "bruno", false); err != nil {
		t.Fatal(err)
	}
	d, _ = env.evaluator.Evaluate(ctx, "bruno", "lab-101", sunday)
	if d.Reason != policy.ReasonPersonInactive {
		t.Errorf("expected person_inactive after deactivation, got %+v", d)
	}
}

func TestPolicyAdmin_Exceptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.admin.PutException(ctx, "lab-101", "ana", types.ExceptionInput{ValidUntil: "31/12/2030"})
	if !errors.Is(err, policy.ErrInvalidDate) {
		t.Errorf("expected ErrInvalidDate, got %v", err)
	}
	_, err = env.admin.PutException(ctx, "lab-101", "nobody", types.ExceptionInput{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown person, got %v", err)
	}

	list, err := env.admin.Exceptions(ctx, "lab-101")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PersonID != "carla" || list[0].ValidUntil != "2030-12-31" || list[0].Start != "14:00" {
		t.Errorf("unexpected exceptions: %+v", list)
	}

	if err := env.admin.DeleteException(ctx, "lab-101", "carla"); err != nil {
		t.Fatal(err)
	}
	d, _ := env.evaluator.Evaluate(ctx, "carla", "lab-101", at(2025, time.January, 7, 15, 0))
	if d.Reason != policy.ReasonProfileNotPermitted {
		t.Errorf("expected profile_not_permitted once the exception is gone, got %+v", d)
	}
}

func TestPolicyAdmin_PersonsSearch(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.admin.Persons(context.Background(), "LIMA", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "bruno" {
		t.Errorf("unexpected search result: %+v", got)
	}

	active, _ := env.admin.Persons(context.Background(), "", true)
	for _, p := range active {
		if p.ID == "davi" {
			t.Error("inactive person listed with activeOnly")
		}
	}
}

func TestPolicyAdmin_DeleteRefusesReferencedRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.admin.DeleteLocation(ctx, "bloco-a"); !errors.Is(err, store.ErrInUse) {
		t.Errorf("bloco-a holds keys: expected ErrInUse, got %v", err)
	}
	if err := env.admin.DeleteProfile(ctx, "alunos"); !errors.Is(err, store.ErrInUse) {
		t.Errorf("alunos is allowed on sala-102: expected ErrInUse, got %v", err)
	}
	if err := env.admin.DeleteLocation(ctx, "nowhere"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := env.admin.DeleteProfile(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := env.admin.PutLocation(ctx, "anexo", types.LocationInput{Name: "Anexo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.admin.PutProfile(ctx, "visitantes", types.ProfileInput{Name: "Visitantes"}); err != nil {
		t.Fatal(err)
	}
	if err := env.admin.DeleteLocation(ctx, "anexo"); err != nil {
		t.Errorf("DeleteLocation: %v", err)
	}
	if err := env.admin.DeleteProfile(ctx, "visitantes"); err != nil {
		t.Errorf("DeleteProfile: %v", err)
	}
	if _, err := env.cache.Profile(ctx, "visitantes"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted profile still readable: %v", err)
	}
}

func TestPolicyAdmin_DeleteProfileHeldByPerson(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.admin.PutProfile(ctx, "visitantes", types.ProfileInput{Name: "Visitantes"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.admin.PutPerson(ctx, "eva", types.PersonInput{Name: "Eva", ProfileID: "visitantes"}); err != nil {
		t.Fatal(err)
	}
	if err := env.admin.DeleteProfile(ctx, "visitantes"); !errors.Is(err, store.ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}
}

func TestQuery_KeySearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		location, search string
		want             []string
	}{
		{"", "lab", []string{"lab-101"}},
		{"", "a0", []string{"almox", "auditorio"}},
		{"", "102", []string{"sala-102"}},
		{"bloco-a", "a0", nil},
		{"", "nada", nil},
	}
	for _, tc := range cases {
		got, err := env.query.Keys(ctx, tc.location, tc.search)
		if err != nil {
			t.Fatalf("Keys(%q, %q): %v", tc.location, tc.search, err)
		}
		if ids := keyIDs(got); !slices.Equal(ids, tc.want) {
			t.Errorf("Keys(%q, %q) = %v, want %v", tc.location, tc.search, ids, tc.want)
		}
	}
}
