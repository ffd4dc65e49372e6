// Copyright 2026 Devport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus implements the in-process agent-to-agent message bus.
//
// Each registered agent owns a mailbox drained by a single goroutine, so
// delivery to one recipient is serialized in send order while distinct
// recipients process concurrently. Requests block the caller until the
// recipient's handler replies or the deadline passes; events are broadcast
// to topic subscribers with isolated dispatch. Every message that crosses
// the bus is persisted to the memory store.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devport-labs/devport/pkg/memstore"
)

// DefaultRequestTimeout bounds send_request when the caller's context
// carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMailboxSize is the per-recipient inbound queue depth.
const DefaultMailboxSize = 64

// ErrRecipientUnknown is returned when no agent is registered under the
// requested name.
var ErrRecipientUnknown = errors.New("recipient agent not registered")

// ErrTimeout is returned when a request's deadline passes before the
// recipient replies.
var ErrTimeout = errors.New("request timed out")

// ErrBusClosed is returned when the bus has been shut down.
var ErrBusClosed = errors.New("message bus closed")

// Handler processes one inbound message payload. Returning an error fails
// the request; for events the error is logged and dispatch to other
// subscribers continues.
type Handler func(ctx context.Context, msg *Message) (json.RawMessage, error)

// Observer receives request and event outcomes. The evaluator hooks in here.
type Observer interface {
	ObserveRequest(recipient string, duration time.Duration, err error)
	ObserveEvent(topic string, subscribers int)
}

type envelope struct {
	msg   *Message
	reply chan result // nil for events
}

type result struct {
	payload json.RawMessage
	err     error
}

type mailbox struct {
	name    string
	handler Handler
	inbox   chan envelope
}

// Bus routes requests and events between registered agents.
type Bus struct {
	agents      map[string]*mailbox
	topics      map[string][]string
	store       memstore.Store
	observers   []Observer
	timeout     time.Duration
	mailboxSize int
	logger      *slog.Logger
	wg          sync.WaitGroup
	closed      bool
	mu          sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithRequestTimeout sets the default request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMailboxSize sets the per-recipient queue depth.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		b.observers = append(b.observers, o)
	}
}

// WithLogger overrides the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates a message bus persisting traffic to store.
func New(store memstore.Store, opts ...Option) *Bus {
	b := &Bus{
		agents:      make(map[string]*mailbox),
		topics:      make(map[string][]string),
		store:       store,
		timeout:     DefaultRequestTimeout,
		mailboxSize: DefaultMailboxSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds an agent and starts its mailbox goroutine. Re-registering a
// name replaces the handler but keeps the mailbox, so queued messages are
// not lost.
func (b *Bus) Register(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if mb, ok := b.agents[name]; ok {
		mb.handler = handler
		return nil
	}

	mb := &mailbox{
		name:    name,
		handler: handler,
		inbox:   make(chan envelope, b.mailboxSize),
	}
	b.agents[name] = mb

	b.wg.Add(1)
	go b.drain(mb)

	return nil
}

// Subscribe adds a registered agent to a topic. Events published on the
// topic flow through the agent's mailbox like any other message.
func (b *Bus) Subscribe(topic, agentName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.agents[agentName]; !ok {
		return fmt.Errorf("%w: %s", ErrRecipientUnknown, agentName)
	}
	for _, name := range b.topics[topic] {
		if name == agentName {
			return nil
		}
	}
	b.topics[topic] = append(b.topics[topic], agentName)
	return nil
}

// SendRequest delivers payload to recipient and blocks until the handler
// replies, the context is done, or the default timeout passes. The request,
// its response and any failure are persisted before SendRequest returns.
func (b *Bus) SendRequest(ctx context.Context, sender, recipient string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	mb, ok := b.agents[recipient]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil, ErrBusClosed
	}
	if !ok {
		err := fmt.Errorf("%w: %s", ErrRecipientUnknown, recipient)
		// The failed attempt still lands in the audit trail.
		if perr := b.persist(ctx, &Message{
			ID:        uuid.NewString(),
			Kind:      KindRequest,
			Sender:    sender,
			Recipient: recipient,
			Payload:   payload,
			Timestamp: time.Now(),
		}, map[string]any{"error": err.Error()}); perr != nil {
			b.logger.Error("Failed to persist rejected request", "recipient", recipient, "error", perr)
		}
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Kind:      KindRequest,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if err := b.persist(ctx, msg, nil); err != nil {
		return nil, err
	}

	env := envelope{msg: msg, reply: make(chan result, 1)}

	// Enqueue under the read lock: Close closes the inboxes under the write
	// lock, so an in-flight send can never hit a closed channel.
	start := time.Now()
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBusClosed
	}
	select {
	case mb.inbox <- env:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		err := b.timeoutErr(ctx, msg)
		b.observeRequest(recipient, time.Since(start), err)
		return nil, err
	}

	select {
	case res := <-env.reply:
		b.observeRequest(recipient, time.Since(start), res.err)
		return res.payload, res.err
	case <-ctx.Done():
		err := b.timeoutErr(ctx, msg)
		b.observeRequest(recipient, time.Since(start), err)
		return nil, err
	}
}

// SendEvent publishes payload to every subscriber of topic and returns
// without waiting for processing. Dispatch is isolated: one subscriber's
// failure or backlog never affects the others. Returns how many subscribers
// the event was queued for.
func (b *Bus) SendEvent(ctx context.Context, sender, topic string, payload json.RawMessage) (int, error) {
	b.mu.RLock()
	names := b.topics[topic]
	boxes := make([]*mailbox, 0, len(names))
	for _, name := range names {
		if mb, ok := b.agents[name]; ok {
			boxes = append(boxes, mb)
		}
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return 0, ErrBusClosed
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Kind:      KindEvent,
		Sender:    sender,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if err := b.persist(ctx, msg, nil); err != nil {
		return 0, err
	}

	// Same locking discipline as SendRequest: the enqueue must not race a
	// concurrent Close closing the inboxes.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrBusClosed
	}
	queued := 0
	for _, mb := range boxes {
		env := envelope{msg: msg}
		select {
		case mb.inbox <- env:
			queued++
		default:
			// A full mailbox drops the event for that subscriber only.
			b.logger.Warn("Event dropped, subscriber mailbox full",
				"topic", topic, "subscriber", mb.name)
		}
	}
	b.mu.RUnlock()

	b.observeEvent(topic, queued)
	return queued, nil
}

// History returns persisted bus traffic matching filter.
func (b *Bus) History(ctx context.Context, filter memstore.Filter) ([]*memstore.Entry, error) {
	return b.store.Query(ctx, filter)
}

// Close stops all mailbox goroutines after draining queued messages.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, mb := range b.agents {
		close(mb.inbox)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// drain is the per-recipient delivery loop. One goroutine per mailbox keeps
// delivery serialized in send order.
func (b *Bus) drain(mb *mailbox) {
	defer b.wg.Done()

	for env := range mb.inbox {
		b.deliver(mb, env)
	}
}

func (b *Bus) deliver(mb *mailbox, env envelope) {
	ctx := context.Background()
	payload, err := mb.handler(ctx, env.msg)

	if env.msg.Kind == KindEvent {
		if err != nil {
			b.logger.Warn("Event handler failed",
				"topic", env.msg.Topic, "subscriber", mb.name, "error", err)
		}
		return
	}

	// The response correlates to the request by the request's own id.
	reply := &Message{
		ID:            uuid.NewString(),
		Kind:          KindResponse,
		Sender:        mb.name,
		Recipient:     env.msg.Sender,
		CorrelationID: env.msg.ID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	var meta map[string]any
	if err != nil {
		meta = map[string]any{"error": err.Error()}
	}
	if perr := b.persist(ctx, reply, meta); perr != nil {
		b.logger.Error("Failed to persist response", "recipient", mb.name, "error", perr)
		if err == nil {
			err = perr
		}
	}

	if env.reply != nil {
		env.reply <- result{payload: payload, err: err}
	}
}

func (b *Bus) timeoutErr(ctx context.Context, msg *Message) error {
	err := fmt.Errorf("%w: no response from %s", ErrTimeout, msg.Recipient)
	if ctx.Err() == context.Canceled {
		err = ctx.Err()
	}

	meta := map[string]any{"error": err.Error()}
	// Persist with a fresh context: the caller's one is already done.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := b.persist(pctx, &Message{
		ID:            uuid.NewString(),
		Kind:          KindResponse,
		Sender:        msg.Recipient,
		Recipient:     msg.Sender,
		CorrelationID: msg.ID,
		Timestamp:     time.Now(),
	}, meta); perr != nil {
		b.logger.Error("Failed to persist request failure", "error", perr)
	}
	return err
}

// persist records a message under its recipient (or topic for events).
func (b *Bus) persist(ctx context.Context, msg *Message, metadata map[string]any) error {
	subject := "bus:" + msg.Recipient
	if msg.Kind == KindEvent {
		subject = "topic:" + msg.Topic
	}

	payload := map[string]any{
		"id":        msg.ID,
		"kind":      string(msg.Kind),
		"sender":    msg.Sender,
		"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
	}
	if msg.Recipient != "" {
		payload["recipient"] = msg.Recipient
	}
	if msg.Topic != "" {
		payload["topic"] = msg.Topic
	}
	if msg.CorrelationID != "" {
		payload["correlation_id"] = msg.CorrelationID
	}
	if len(msg.Payload) > 0 {
		payload["payload"] = string(msg.Payload)
	}

	if _, err := b.store.Record(ctx, subject, payload, metadata); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", msg.ID, err)
	}
	return nil
}

func (b *Bus) observeRequest(recipient string, d time.Duration, err error) {
	for _, o := range b.observers {
		o.ObserveRequest(recipient, d, err)
	}
}

func (b *Bus) observeEvent(topic string, subscribers int) {
	for _, o := range b.observers {
		o.ObserveEvent(topic, subscribers)
	}
}
