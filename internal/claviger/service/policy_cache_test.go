package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/memory"
)

func TestPolicyCache_ServesUntilInvalidated(t *testing.T) {
	ps := memory.NewPolicyStore()
	ctx := context.Background()
	if err := ps.PutPerson(ctx, policy.Person{ID: "p", Name: "Old", Active: true}); err != nil {
		t.Fatal(err)
	}
	c := service.NewPolicyCache(ps, 8, time.Hour)

	if p, _ := c.Person(ctx, "p"); p.Name != "Old" {
		t.Fatalf("unexpected first read: %+v", p)
	}
	_ = ps.PutPerson(ctx, policy.Person{ID: "p", Name: "New", Active: true})

	if p, _ := c.Person(ctx, "p"); p.Name != "Old" {
		t.Errorf("expected cached value, got %+v", p)
	}
	c.Invalidate()
	if p, _ := c.Person(ctx, "p"); p.Name != "New" {
		t.Errorf("expected fresh value after Invalidate, got %+v", p)
	}
}

func TestPolicyCache_ExpiresAfterTTL(t *testing.T) {
	ps := memory.NewPolicyStore()
	ctx := context.Background()
	_ = ps.PutLocation(ctx, policy.Location{ID: "a", Name: "A"})
	_ = ps.PutKey(ctx, policy.Key{ID: "k", Name: "One", LocationID: "a", Active: true})

	c := service.NewPolicyCache(ps, 8, 20*time.Millisecond)
	_, _ = c.Key(ctx, "k")
	_ = ps.PutKey(ctx, policy.Key{ID: "k", Name: "Two", LocationID: "a", Active: true})

	time.Sleep(60 * time.Millisecond)
	if k, _ := c.Key(ctx, "k"); k.Name != "Two" {
		t.Errorf("expected expired entry to reload, got %+v", k)
	}
}

func TestPolicyCache_MissesAreNotCached(t *testing.T) {
	ps := memory.NewPolicyStore()
	ctx := context.Background()
	c := service.NewPolicyCache(ps, 8, time.Hour)

	if _, err := c.Person(ctx, "late"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = ps.PutPerson(ctx, policy.Person{ID: "late", Name: "Late", Active: true})
	if _, err := c.Person(ctx, "late"); err != nil {
		t.Errorf("expected the new record, got %v", err)
	}

	// A pair with no override is cached as nil.
	exc, err := c.Exception(ctx, "k", "late")
	if err != nil || exc != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", exc, err)
	}
}

// slowReader holds its first Person call after the store read, so a write
// and an Invalidate can land while that read is still in flight.
type slowReader struct {
	store.PolicyReader
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (r *slowReader) Person(ctx context.Context, id string) (policy.Person, error) {
	p, err := r.PolicyReader.Person(ctx, id)
	r.once.Do(func() {
		close(r.loaded)
		<-r.release
	})
	return p, err
}

func TestPolicyCache_InvalidateDuringLoadDropsStaleValue(t *testing.T) {
	ps := memory.NewPolicyStore()
	ctx := context.Background()
	if err := ps.PutPerson(ctx, policy.Person{ID: "p", Name: "P", Active: true}); err != nil {
		t.Fatal(err)
	}
	r := &slowReader{PolicyReader: ps, loaded: make(chan struct{}), release: make(chan struct{})}
	c := service.NewPolicyCache(r, 8, time.Hour)

	done := make(chan policy.Person, 1)
	go func() {
		p, _ := c.Person(ctx, "p")
		done <- p
	}()

	<-r.loaded
	if err := ps.SetPersonActive(ctx, "p", false); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	close(r.release)

	if p := <-done; !p.Active {
		t.Fatalf("the in-flight read should return what it loaded, got %+v", p)
	}
	if p, _ := c.Person(ctx, "p"); p.Active {
		t.Error("a read that began before Invalidate must not repopulate the cache")
	}
}
