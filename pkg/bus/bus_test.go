package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devport-labs/devport/pkg/memstore"
)

func echoHandler(ctx context.Context, msg *Message) (json.RawMessage, error) {
	return msg.Payload, nil
}

func TestBus_SendRequest(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewInMemoryStore()
	b := New(store)
	defer b.Close()

	if err := b.Register("echo", echoHandler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reply, err := b.SendRequest(ctx, "caller", "echo", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if string(reply) != `{"n":1}` {
		t.Errorf("Expected echoed payload, got %s", reply)
	}
}

func TestBus_RecipientUnknown(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewInMemoryStore()
	b := New(store)
	defer b.Close()

	_, err := b.SendRequest(ctx, "caller", "nobody", nil)
	if !errors.Is(err, ErrRecipientUnknown) {
		t.Fatalf("Expected ErrRecipientUnknown, got %v", err)
	}

	// The rejected attempt still shows up in the audit trail.
	entries, err := store.Query(ctx, memstore.Filter{SubjectKey: "bus:nobody"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 persisted attempt, got %d", len(entries))
	}
	if entries[0].Metadata["error"] == nil {
		t.Error("Expected persisted attempt to carry the error")
	}
}

func TestBus_RequestTimeout(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore(), WithRequestTimeout(50*time.Millisecond))
	defer b.Close()

	release := make(chan struct{})
	err := b.Register("slow", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = b.SendRequest(ctx, "caller", "slow", nil)
	close(release)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestBus_HandlerError(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore())
	defer b.Close()

	handlerErr := errors.New("tool exploded")
	if err := b.Register("broken", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		return nil, handlerErr
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := b.SendRequest(ctx, "caller", "broken", nil)
	if err == nil || err.Error() != "tool exploded" {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

func TestBus_SerializedDeliveryPerRecipient(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore(), WithMailboxSize(128))

	var mu sync.Mutex
	var seen []string
	if err := b.Register("worker", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		mu.Lock()
		seen = append(seen, string(msg.Payload))
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Subscribe("ticks", "worker"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Events from a single sender are enqueued in send order and must be
	// processed in that order.
	for i := 0; i < 20; i++ {
		if _, err := b.SendEvent(ctx, "caller", "ticks", json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
	}

	b.Close() // drains the mailbox

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("Expected 20 deliveries, got %d", len(seen))
	}
	for i := 0; i < 20; i++ {
		if seen[i] != fmt.Sprintf("%d", i) {
			t.Fatalf("Delivery order broken at %d: got %s", i, seen[i])
		}
	}
}

func TestBus_ConcurrentRecipients(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore())
	defer b.Close()

	// A blocked recipient must not stall delivery to another recipient.
	blocked := make(chan struct{})
	if err := b.Register("stuck", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		<-blocked
		return nil, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Register("fast", echoHandler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	go func() {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, _ = b.SendRequest(cctx, "caller", "stuck", nil)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := b.SendRequest(ctx, "caller", "fast", json.RawMessage(`"hi"`)); err != nil {
			t.Errorf("SendRequest to fast recipient failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Delivery to fast recipient stalled behind another recipient")
	}
	close(blocked)
}

func TestBus_EventIsolation(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore())

	var mu sync.Mutex
	received := 0
	if err := b.Register("healthy", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		mu.Lock()
		received++
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Register("faulty", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		return nil, errors.New("subscriber crashed")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, name := range []string{"healthy", "faulty"} {
		if err := b.Subscribe("news", name); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		queued, err := b.SendEvent(ctx, "caller", "news", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
		if queued != 2 {
			t.Errorf("Expected 2 queued subscribers, got %d", queued)
		}
	}

	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if received != 5 {
		t.Errorf("Expected healthy subscriber to receive all 5 events, got %d", received)
	}
}

func TestBus_CloseDuringTraffic(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.NewInMemoryStore(), WithMailboxSize(1))

	if err := b.Register("worker", echoHandler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Subscribe("ticks", "worker"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Senders racing Close must shut down cleanly, never panic on a closed
	// mailbox channel.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := b.SendEvent(ctx, "caller", "ticks", nil); errors.Is(err, ErrBusClosed) {
					return
				}
				cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
				_, err := b.SendRequest(cctx, "caller", "worker", nil)
				cancel()
				if errors.Is(err, ErrBusClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	b.Close()
	wg.Wait()

	if _, err := b.SendEvent(ctx, "caller", "ticks", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed after shutdown, got %v", err)
	}
	if _, err := b.SendRequest(ctx, "caller", "worker", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed after shutdown, got %v", err)
	}
}

func TestBus_SubscribeUnknownAgent(t *testing.T) {
	b := New(memstore.NewInMemoryStore())
	defer b.Close()

	if err := b.Subscribe("topic", "ghost"); !errors.Is(err, ErrRecipientUnknown) {
		t.Errorf("Expected ErrRecipientUnknown, got %v", err)
	}
}

func TestBus_PersistsTraffic(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewInMemoryStore()
	b := New(store)

	if err := b.Register("echo", echoHandler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := b.SendRequest(ctx, "caller", "echo", json.RawMessage(`{"q":true}`)); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	b.Close()

	entries, err := b.History(ctx, memstore.Filter{SubjectKey: "bus:echo"})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 request entry for bus:echo, got %d", len(entries))
	}
	if entries[0].Payload["kind"] != string(KindRequest) {
		t.Errorf("Expected REQUEST entry, got %v", entries[0].Payload["kind"])
	}

	// The response is persisted under the original sender.
	responses, err := b.History(ctx, memstore.Filter{SubjectKey: "bus:caller"})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("Expected 1 response entry for bus:caller, got %d", len(responses))
	}
	if responses[0].Payload["kind"] != string(KindResponse) {
		t.Errorf("Expected RESPONSE entry, got %v", responses[0].Payload["kind"])
	}
	// The response's correlation id is the request's own id.
	if responses[0].Payload["correlation_id"] != entries[0].Payload["id"] {
		t.Errorf("Expected response correlation id %v to equal request id %v",
			responses[0].Payload["correlation_id"], entries[0].Payload["id"])
	}
	if _, ok := entries[0].Payload["correlation_id"]; ok {
		t.Error("Expected the request itself to carry no correlation id")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	requests int
	failures int
	events   int
}

func (o *recordingObserver) ObserveRequest(recipient string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) ObserveEvent(topic string, subscribers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events++
}

func TestBus_ObserverOutcomes(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	b := New(memstore.NewInMemoryStore(), WithObserver(obs))

	if err := b.Register("echo", echoHandler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Register("broken", func(ctx context.Context, msg *Message) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Subscribe("t", "echo"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := b.SendRequest(ctx, "c", "echo", nil); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if _, err := b.SendRequest(ctx, "c", "broken", nil); err == nil {
		t.Fatal("Expected handler error")
	}
	if _, err := b.SendEvent(ctx, "c", "t", nil); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	b.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.requests != 2 {
		t.Errorf("Expected 2 observed requests, got %d", obs.requests)
	}
	if obs.failures != 1 {
		t.Errorf("Expected 1 observed failure, got %d", obs.failures)
	}
	if obs.events != 1 {
		t.Errorf("Expected 1 observed event, got %d", obs.events)
	}
}
