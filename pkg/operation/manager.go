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

package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devport-labs/devport/pkg/memstore"
)

// ErrOperationNotFound is returned when an operation id is unknown.
var ErrOperationNotFound = errors.New("operation not found")

// ErrInvalidTransition is returned when a lifecycle call is not legal from
// the operation's current status.
var ErrInvalidTransition = errors.New("invalid operation transition")

// Notifier receives completed transitions. The evaluator hooks in here.
type Notifier interface {
	ObserveTransition(op *Operation, from, to Status)
}

// Manager owns the operation registry and enforces the state machine.
type Manager struct {
	ops       map[string]*Operation
	store     memstore.Store
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier attaches a transition notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifiers = append(m.notifiers, n)
	}
}

// WithLogger overrides the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an operation manager persisting transitions to store.
func NewManager(store memstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		ops:    make(map[string]*Operation),
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new operation in CREATED.
func (m *Manager) Create(ctx context.Context, name, ownerAgent, sessionID string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	op := &Operation{
		ID:         uuid.NewString(),
		Name:       name,
		OwnerAgent: ownerAgent,
		SessionID:  sessionID,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.persist(ctx, op, Transition{
		OperationID: op.ID,
		From:        StatusCreated,
		To:          StatusCreated,
		Timestamp:   now,
	}); err != nil {
		return nil, err
	}

	m.ops[op.ID] = op
	m.logger.Debug("Operation created", "operation", op.ID, "name", name, "owner", ownerAgent)
	return snapshot(op), nil
}

// Start moves a CREATED operation to RUNNING.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.transition(ctx, op, StatusRunning, "", nil, "")
}

// Advance records a checkpoint on a running operation. Advancing a CREATED
// operation starts it first, so the CREATED -> RUNNING edge is always
// recorded. Repeating the current checkpoint with identical state only
// refreshes UpdatedAt. The checkpoint is persisted before Advance returns.
func (m *Manager) Advance(ctx context.Context, id, checkpoint string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}

	if op.sameCheckpoint(checkpoint, state) {
		op.UpdatedAt = m.now()
		return nil
	}

	if op.Status == StatusCreated {
		if err := m.transition(ctx, op, StatusRunning, "", nil, ""); err != nil {
			return err
		}
	}

	if op.Status != StatusRunning {
		return fmt.Errorf("%w: cannot advance from %s", ErrInvalidTransition, op.Status)
	}

	return m.transition(ctx, op, StatusRunning, checkpoint, state, "")
}

// Pause suspends a running operation. Its checkpoint and state survive for
// Resume.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.transition(ctx, op, StatusPaused, op.Checkpoint, op.State, "")
}

// Resume moves a paused operation back to RUNNING and returns the last
// checkpoint name and state so the worker can continue where it left off.
func (m *Manager) Resume(ctx context.Context, id string) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return "", nil, err
	}
	if op.Status != StatusPaused {
		return "", nil, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, op.Status)
	}
	if err := m.transition(ctx, op, StatusRunning, op.Checkpoint, op.State, ""); err != nil {
		return "", nil, err
	}
	return op.Checkpoint, cloneBytes(op.State), nil
}

// Complete moves a running operation to COMPLETED with its final state.
func (m *Manager) Complete(ctx context.Context, id string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	if state == nil {
		state = op.State
	}
	return m.transition(ctx, op, StatusCompleted, op.Checkpoint, state, "")
}

// Fail moves a running operation to FAILED, recording the cause.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.transition(ctx, op, StatusFailed, op.Checkpoint, op.State, reason)
}

// Cancel requests cancellation. The operation transitions to CANCELLED
// immediately; a worker mid-checkpoint discovers it through Cancelled and
// stops cooperatively.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, op, StatusCancelled, op.Checkpoint, op.State, ""); err != nil {
		return err
	}
	op.cancelled = true
	return nil
}

// Cancelled reports whether cancellation was requested. Workers check this
// between checkpoints.
func (m *Manager) Cancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	return ok && op.cancelled
}

// Status returns a snapshot of one operation.
func (m *Manager) Status(ctx context.Context, id string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return snapshot(op), nil
}

// Filter selects operations for List. The zero value selects everything.
type Filter struct {
	// OwnerAgent restricts results to one owner. Empty means all owners.
	OwnerAgent string

	// Status restricts results to one status. Empty means all statuses.
	Status Status
}

func (f Filter) matches(op *Operation) bool {
	if f.OwnerAgent != "" && op.OwnerAgent != f.OwnerAgent {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	return true
}

// List returns snapshots of matching operations, most recently updated
// first.
func (m *Manager) List(ctx context.Context, filter Filter) []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		if !filter.matches(op) {
			continue
		}
		out = append(out, snapshot(op))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// History returns the persisted transition log of one operation.
func (m *Manager) History(ctx context.Context, id string) ([]*memstore.Entry, error) {
	return m.store.Query(ctx, memstore.Filter{SubjectKey: "op:" + id})
}

// lookup finds an operation. Callers hold m.mu.
func (m *Manager) lookup(id string) (*Operation, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// transition validates, persists and then applies one edge. The in-memory
// operation is untouched when persistence fails. Callers hold m.mu.
func (m *Manager) transition(ctx context.Context, op *Operation, to Status, checkpoint string, state []byte, reason string) error {
	if !canTransition(op.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, to)
	}

	now := m.now()
	from := op.Status

	if err := m.persist(ctx, op, Transition{
		OperationID: op.ID,
		From:        from,
		To:          to,
		Checkpoint:  checkpoint,
		State:       state,
		Error:       reason,
		Timestamp:   now,
	}); err != nil {
		return err
	}

	op.Status = to
	op.Checkpoint = checkpoint
	op.State = cloneBytes(state)
	op.Error = reason
	op.UpdatedAt = now

	m.logger.Debug("Operation transitioned",
		"operation", op.ID, "from", from, "to", to, "checkpoint", checkpoint)

	for _, n := range m.notifiers {
		n.ObserveTransition(snapshot(op), from, to)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, op *Operation, t Transition) error {
	payload := map[string]any{
		"operation_id": t.OperationID,
		"name":         op.Name,
		"owner_agent":  op.OwnerAgent,
		"from":         string(t.From),
		"to":           string(t.To),
		"timestamp":    t.Timestamp.Format(time.RFC3339Nano),
	}
	if t.Checkpoint != "" {
		payload["checkpoint"] = t.Checkpoint
	}
	// The checkpoint state must be durable before the transition is applied;
	// resumption after a restart depends on this record, not on the
	// in-memory map.
	if len(t.State) > 0 {
		payload["state"] = string(t.State)
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}

	if _, err := m.store.Record(ctx, "op:"+op.ID, payload, nil); err != nil {
		return fmt.Errorf("failed to persist transition for operation %s: %w", op.ID, err)
	}
	return nil
}

func snapshot(op *Operation) *Operation {
	out := *op
	out.State = cloneBytes(op.State)
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
