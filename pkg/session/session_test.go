package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives expiry without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestRegistry(ttl time.Duration) (*InMemoryRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return NewInMemoryRegistry(WithTTL(ttl), WithClock(clock.Now)), clock
}

func TestRegistry_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "coordinator"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Session.ID == "" {
		t.Error("Expected generated session ID")
	}
	if created.Session.OwnerAgent != "coordinator" {
		t.Errorf("Expected owner coordinator, got %s", created.Session.OwnerAgent)
	}
	if !created.Session.ExpiresAt.Equal(created.Session.LastAccessedAt.Add(time.Hour)) {
		t.Error("Expected ExpiresAt = LastAccessedAt + TTL")
	}

	got, err := registry.Get(ctx, &GetRequest{SessionID: created.Session.ID})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Session.ID != created.Session.ID {
		t.Errorf("Expected session %s, got %s", created.Session.ID, got.Session.ID)
	}
}

func TestRegistry_ExplicitSessionID(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a", SessionID: "fixed-id"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Session.ID != "fixed-id" {
		t.Errorf("Expected fixed-id, got %s", created.Session.ID)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	_, err := registry.Get(ctx, &GetRequest{SessionID: "missing"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_State(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{
		OwnerAgent: "a",
		State:      map[string]any{"username": "alice"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Session.ID

	val, err := registry.GetState(ctx, id, "username")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if val != "alice" {
		t.Errorf("Expected alice, got %v", val)
	}

	if err := registry.SetState(ctx, id, "stage", "generate"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	val, err = registry.GetState(ctx, id, "stage")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if val != "generate" {
		t.Errorf("Expected generate, got %v", val)
	}

	_, err = registry.GetState(ctx, id, "missing")
	if !errors.Is(err, ErrStateKeyNotExist) {
		t.Errorf("Expected ErrStateKeyNotExist, got %v", err)
	}
}

func TestRegistry_History(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Session.ID

	for _, kind := range []string{"request", "response", "event"} {
		if err := registry.AppendHistory(ctx, id, HistoryRecord{Kind: kind}); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	history, err := registry.History(ctx, id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(history))
	}
	for i, kind := range []string{"request", "response", "event"} {
		if history[i].Kind != kind {
			t.Errorf("Record %d: expected %s, got %s", i, kind, history[i].Kind)
		}
		if history[i].Timestamp.IsZero() {
			t.Errorf("Record %d: expected timestamp to be set", i)
		}
	}
}

func TestRegistry_ExpiryDestroysSession(t *testing.T) {
	ctx := context.Background()
	registry, clock := newTestRegistry(24 * time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Session.ID

	// Just inside the TTL the session is alive and its expiry renews.
	clock.Advance(23 * time.Hour)
	if _, err := registry.Get(ctx, &GetRequest{SessionID: id}); err != nil {
		t.Fatalf("Get within TTL failed: %v", err)
	}

	// The earlier access renewed the clock, so another 23h is still fine.
	clock.Advance(23 * time.Hour)
	if _, err := registry.Get(ctx, &GetRequest{SessionID: id}); err != nil {
		t.Fatalf("Get after renewal failed: %v", err)
	}

	// Past the TTL the access fails and destroys the session.
	clock.Advance(25 * time.Hour)
	_, err = registry.Get(ctx, &GetRequest{SessionID: id})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}

	// The session is gone, not merely expired.
	_, err = registry.Get(ctx, &GetRequest{SessionID: id})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after lazy destroy, got %v", err)
	}
}

func TestRegistry_ExpiredStateAccess(t *testing.T) {
	ctx := context.Background()
	registry, clock := newTestRegistry(time.Hour)

	created, err := registry.Create(ctx, &CreateRequest{
		OwnerAgent: "a",
		State:      map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Session.ID

	clock.Advance(2 * time.Hour)

	if _, err := registry.GetState(ctx, id, "k"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired from GetState, got %v", err)
	}
	if err := registry.SetState(ctx, id, "k", "v2"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after destroy, got %v", err)
	}
}

func TestRegistry_Reap(t *testing.T) {
	ctx := context.Background()
	registry, clock := newTestRegistry(time.Hour)

	if _, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a", SessionID: "old"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	if _, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a", SessionID: "fresh"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.Advance(45 * time.Minute)

	if reaped := registry.Reap(ctx); reaped != 1 {
		t.Errorf("Expected 1 reaped session, got %d", reaped)
	}
	if _, err := registry.Get(ctx, &GetRequest{SessionID: "fresh"}); err != nil {
		t.Errorf("Expected fresh session to survive, got %v", err)
	}
	if _, err := registry.Get(ctx, &GetRequest{SessionID: "old"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected old session reaped, got %v", err)
	}
}

func TestRegistry_EvictionHook(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	var evicted []string
	registry := NewInMemoryRegistry(
		WithTTL(time.Hour),
		WithClock(clock.Now),
		WithEvictionHook(func(sessionID string) {
			evicted = append(evicted, sessionID)
		}),
	)

	for _, id := range []string{"lazy", "reaped", "deleted"} {
		if _, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a", SessionID: id}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := registry.Delete(ctx, "deleted"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "deleted" {
		t.Fatalf("Expected hook after Delete, got %v", evicted)
	}

	// Lazy expiry on access fires the hook for the touched session.
	clock.Advance(2 * time.Hour)
	if _, err := registry.Get(ctx, &GetRequest{SessionID: "lazy"}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
	if len(evicted) != 2 || evicted[1] != "lazy" {
		t.Fatalf("Expected hook after lazy expiry, got %v", evicted)
	}

	// Reap fires it for everything else that expired.
	if reaped := registry.Reap(ctx); reaped != 1 {
		t.Fatalf("Expected 1 reaped session, got %d", reaped)
	}
	if len(evicted) != 3 || evicted[2] != "reaped" {
		t.Fatalf("Expected hook after Reap, got %v", evicted)
	}
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(time.Hour)

	if _, err := registry.Create(ctx, &CreateRequest{OwnerAgent: "a", SessionID: "s"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := registry.Delete(ctx, "s"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := registry.Delete(ctx, "s"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
