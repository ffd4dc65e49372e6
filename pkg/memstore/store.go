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

// Package memstore provides the durable append-only memory store shared by
// every component of the orchestration core.
//
// Entries are keyed by a subject (a username, an operation id, a
// conversation id) and are never mutated after being recorded. The store is
// the single source of truth for the audit trail: message logs, operation
// history and portfolio update history all land here.
package memstore

import (
	"context"
	"errors"
	"time"
)

// ErrDurability is returned when a write did not complete. Callers must not
// treat the record as persisted.
var ErrDurability = errors.New("memory store write did not complete")

// Entry is a single immutable record in the store.
type Entry struct {
	ID         int64          `json:"id"`
	SubjectKey string         `json:"subject_key"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects entries for Query. The zero value selects everything.
type Filter struct {
	// SubjectKey restricts results to one subject. Empty means all subjects.
	SubjectKey string

	// After / Before bound CreatedAt. Zero values disable the bound.
	After  time.Time
	Before time.Time

	// Limit caps the number of returned entries; entries are returned in
	// insertion order and the limit keeps the most recent ones.
	Limit int
}

// Store is an append-only log of Entry records.
//
// Record either persists the full entry or fails with ErrDurability; readers
// never observe a partially written record. Query returns entries in
// insertion order.
type Store interface {
	Record(ctx context.Context, subjectKey string, payload, metadata map[string]any) (*Entry, error)
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	Close() error
}

// matches reports whether e passes the non-limit parts of f.
func (f Filter) matches(e *Entry) bool {
	if f.SubjectKey != "" && e.SubjectKey != f.SubjectKey {
		return false
	}
	if !f.After.IsZero() && e.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && e.CreatedAt.After(f.Before) {
		return false
	}
	return true
}

// tail applies the limit, keeping the most recent entries.
func (f Filter) tail(entries []*Entry) []*Entry {
	if f.Limit > 0 && len(entries) > f.Limit {
		return entries[len(entries)-f.Limit:]
	}
	return entries
}
