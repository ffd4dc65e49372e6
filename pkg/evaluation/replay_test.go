package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/devport-labs/devport/pkg/bus"
	"github.com/devport-labs/devport/pkg/memstore"
	"github.com/devport-labs/devport/pkg/operation"
)

func TestFromStore_RebuildsReport(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewInMemoryStore()

	b := bus.New(store)
	if err := b.Register("echo", func(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Register("broken", func(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
		return nil, errors.New("tool exploded")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Subscribe("operations", "echo"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := b.SendRequest(ctx, "caller", "echo", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if _, err := b.SendRequest(ctx, "caller", "broken", nil); err == nil {
		t.Fatal("Expected handler error")
	}
	if _, err := b.SendRequest(ctx, "caller", "ghost", nil); !errors.Is(err, bus.ErrRecipientUnknown) {
		t.Fatalf("Expected ErrRecipientUnknown, got %v", err)
	}
	if _, err := b.SendEvent(ctx, "caller", "operations", nil); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	b.Close()

	m := operation.NewManager(store)
	done, err := m.Create(ctx, "portfolio_update", "coordinator", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Advance(ctx, done.ID, "fetch", nil); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := m.Complete(ctx, done.ID, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	failed, err := m.Create(ctx, "portfolio_update", "coordinator", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Start(ctx, failed.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Fail(ctx, failed.ID, errors.New("upstream down")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	// A fresh process sees everything through the store alone.
	report, err := FromStore(ctx, store)
	if err != nil {
		t.Fatalf("FromStore failed: %v", err)
	}

	if report.Events != 1 {
		t.Errorf("Expected 1 event, got %d", report.Events)
	}
	if report.Operations.Started != 2 || report.Operations.Completed != 1 || report.Operations.Failed != 1 {
		t.Errorf("Unexpected operation stats: %+v", report.Operations)
	}

	byName := make(map[string]AgentStats, len(report.Agents))
	for _, s := range report.Agents {
		byName[s.Agent] = s
	}

	echo := byName["echo"]
	if echo.Attempts != 1 || echo.Successes != 1 || echo.SuccessRate != 1 {
		t.Errorf("Unexpected echo stats: %+v", echo)
	}
	broken := byName["broken"]
	if broken.Attempts != 1 || broken.Successes != 0 {
		t.Errorf("Unexpected broken stats: %+v", broken)
	}
	// The rejected request still counts as an attempt against its target.
	ghost := byName["ghost"]
	if ghost.Attempts != 1 || ghost.Successes != 0 {
		t.Errorf("Unexpected ghost stats: %+v", ghost)
	}
}

func TestFromStore_EmptyStore(t *testing.T) {
	report, err := FromStore(context.Background(), memstore.NewInMemoryStore())
	if err != nil {
		t.Fatalf("FromStore failed: %v", err)
	}
	if len(report.Agents) != 0 || report.Events != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}
}
