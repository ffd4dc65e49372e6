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

// Package session provides per-agent conversational and task state with
// expiry.
//
// Each session has:
//   - A unique identifier
//   - An owning agent
//   - State (key-value store)
//   - An ordered interaction history
//
// Sessions expire TTL after their last access. Access past expiry fails with
// ErrSessionExpired and destroys the session; callers recover by creating a
// new session, not by crashing.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the session time-to-live applied when none is configured.
const DefaultTTL = 24 * time.Hour

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when a session is accessed past its expiry.
var ErrSessionExpired = errors.New("session expired")

// ErrStateKeyNotExist is returned when a state key doesn't exist.
var ErrStateKeyNotExist = errors.New("state key does not exist")

// HistoryRecord is one interaction in a session's history.
type HistoryRecord struct {
	Kind      string         `json:"kind"`
	Content   map[string]any `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is a snapshot of one session's data. Mutation goes through the
// Registry; the snapshot itself is never shared storage.
type Session struct {
	ID             string
	OwnerAgent     string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
}

// CreateRequest contains parameters for creating a session.
type CreateRequest struct {
	OwnerAgent string
	SessionID  string // Optional - generated if empty
	State      map[string]any
}

// CreateResponse contains the created session.
type CreateResponse struct {
	Session *Session
}

// GetRequest contains parameters for retrieving a session.
type GetRequest struct {
	SessionID string
}

// GetResponse contains the retrieved session.
type GetResponse struct {
	Session *Session
}

// Registry manages session lifecycle and expiry.
type Registry interface {
	// Create creates a new session.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// Get retrieves an existing session, renewing its expiry.
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)

	// SetState stores a state value on the session.
	SetState(ctx context.Context, sessionID, key string, value any) error

	// GetState retrieves a state value from the session.
	GetState(ctx context.Context, sessionID, key string) (any, error)

	// AppendHistory adds a record to the session's interaction history.
	AppendHistory(ctx context.Context, sessionID string, record HistoryRecord) error

	// History returns the session's interaction history in order.
	History(ctx context.Context, sessionID string) ([]HistoryRecord, error)

	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error

	// Reap removes all expired sessions and returns how many were removed.
	Reap(ctx context.Context) int
}

type memorySession struct {
	id             string
	ownerAgent     string
	state          map[string]any
	history        []HistoryRecord
	createdAt      time.Time
	lastAccessedAt time.Time
}

// InMemoryRegistry is an in-memory Registry implementation.
type InMemoryRegistry struct {
	sessions map[string]*memorySession
	ttl      time.Duration
	now      func() time.Time
	onEvict  func(sessionID string)
	mu       sync.Mutex
}

// RegistryOption configures an InMemoryRegistry.
type RegistryOption func(*InMemoryRegistry)

// WithTTL overrides the default session TTL.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *InMemoryRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.now = now
	}
}

// WithEvictionHook registers a callback invoked whenever a session is
// removed, whether by explicit Delete, lazy expiry or Reap. Per-session
// resources held elsewhere (context windows) are released through it.
// The hook runs with the registry lock held and must not call back in.
func WithEvictionHook(hook func(sessionID string)) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.onEvict = hook
	}
}

// NewInMemoryRegistry returns an in-memory session registry.
func NewInMemoryRegistry(opts ...RegistryOption) *InMemoryRegistry {
	r := &InMemoryRegistry{
		sessions: make(map[string]*memorySession),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *InMemoryRegistry) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := r.now()
	state := make(map[string]any, len(req.State))
	for k, v := range req.State {
		state[k] = v
	}

	ms := &memorySession{
		id:             sessionID,
		ownerAgent:     req.OwnerAgent,
		state:          state,
		createdAt:      now,
		lastAccessedAt: now,
	}
	r.sessions[sessionID] = ms

	return &CreateResponse{Session: r.snapshot(ms)}, nil
}

func (r *InMemoryRegistry) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.access(req.SessionID)
	if err != nil {
		return nil, err
	}

	return &GetResponse{Session: r.snapshot(ms)}, nil
}

func (r *InMemoryRegistry) SetState(ctx context.Context, sessionID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.access(sessionID)
	if err != nil {
		return err
	}

	ms.state[key] = value
	return nil
}

func (r *InMemoryRegistry) GetState(ctx context.Context, sessionID, key string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.access(sessionID)
	if err != nil {
		return nil, err
	}

	val, ok := ms.state[key]
	if !ok {
		return nil, ErrStateKeyNotExist
	}
	return val, nil
}

func (r *InMemoryRegistry) AppendHistory(ctx context.Context, sessionID string, record HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.access(sessionID)
	if err != nil {
		return err
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = r.now()
	}
	ms.history = append(ms.history, record)
	return nil
}

func (r *InMemoryRegistry) History(ctx context.Context, sessionID string) ([]HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, err := r.access(sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryRecord, len(ms.history))
	copy(out, ms.history)
	return out, nil
}

func (r *InMemoryRegistry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	r.evict(sessionID)
	return nil
}

func (r *InMemoryRegistry) Reap(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	reaped := 0
	for id, ms := range r.sessions {
		if now.After(ms.lastAccessedAt.Add(r.ttl)) {
			r.evict(id)
			reaped++
		}
	}
	return reaped
}

// access looks up a session, destroying it lazily if expired and renewing
// its last-access time otherwise. Callers hold r.mu.
func (r *InMemoryRegistry) access(sessionID string) (*memorySession, error) {
	ms, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := r.now()
	if now.After(ms.lastAccessedAt.Add(r.ttl)) {
		r.evict(sessionID)
		return nil, ErrSessionExpired
	}

	ms.lastAccessedAt = now
	return ms, nil
}

// evict removes a session and fires the eviction hook. Callers hold r.mu.
func (r *InMemoryRegistry) evict(sessionID string) {
	delete(r.sessions, sessionID)
	if r.onEvict != nil {
		r.onEvict(sessionID)
	}
}

func (r *InMemoryRegistry) snapshot(ms *memorySession) *Session {
	return &Session{
		ID:             ms.id,
		OwnerAgent:     ms.ownerAgent,
		CreatedAt:      ms.createdAt,
		LastAccessedAt: ms.lastAccessedAt,
		ExpiresAt:      ms.lastAccessedAt.Add(r.ttl),
	}
}

var _ Registry = (*InMemoryRegistry)(nil)
