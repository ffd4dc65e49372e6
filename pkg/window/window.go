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

// Package window keeps each agent's working context within a token budget
// via pluggable compaction strategies.
//
// Compaction runs before Append returns, so callers only ever observe
// budget-respecting state. The invariant after any Append or Compact is
// usedSize <= budget.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devport-labs/devport/pkg/utils"
)

// HighImportance marks entries that summarization never folds away silently.
const HighImportance = 8

// ErrEntryTooLarge is returned when a single entry alone exceeds the budget.
var ErrEntryTooLarge = errors.New("context entry exceeds window budget")

// ErrWindowNotFound is returned when no window exists for a session.
var ErrWindowNotFound = errors.New("context window not found")

// Entry is one item of an agent's working context.
type Entry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Importance int       `json:"importance"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`

	// Synthetic marks entries produced by summarization.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Sizer measures entry content. The default uses tiktoken; the estimate
// fallback counts len/4.
type Sizer interface {
	Size(content string) int
}

type tokenSizer struct {
	counter *utils.TokenCounter
}

func (s *tokenSizer) Size(content string) int {
	return s.counter.Count(content)
}

type estimateSizer struct{}

func (estimateSizer) Size(content string) int {
	return utils.EstimateTokens(content)
}

type sessionWindow struct {
	entries  []*Entry
	budget   int
	strategy Strategy
	usedSize int
}

// Manager maintains the bounded context window of every tracked session.
type Manager struct {
	windows    map[string]*sessionWindow
	budget     int
	strategy   Strategy
	sizer      Sizer
	summarizer Summarizer
	mu         sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBudget sets the default window budget.
func WithBudget(budget int) ManagerOption {
	return func(m *Manager) {
		if budget > 0 {
			m.budget = budget
		}
	}
}

// WithStrategy sets the default compaction strategy.
func WithStrategy(s Strategy) ManagerOption {
	return func(m *Manager) {
		m.strategy = s
	}
}

// WithSizer overrides entry size measurement.
func WithSizer(s Sizer) ManagerOption {
	return func(m *Manager) {
		m.sizer = s
	}
}

// WithSummarizer sets the summarization collaborator.
func WithSummarizer(s Summarizer) ManagerOption {
	return func(m *Manager) {
		m.summarizer = s
	}
}

// WithTokenModel sizes entries with a tiktoken counter for the given model.
// Falls back to estimation when the encoding cannot be loaded.
func WithTokenModel(model string) ManagerOption {
	return func(m *Manager) {
		counter, err := utils.NewTokenCounter(model)
		if err != nil {
			return
		}
		m.sizer = &tokenSizer{counter: counter}
	}
}

// NewManager creates a context window manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		windows:    make(map[string]*sessionWindow),
		budget:     32000,
		strategy:   StrategyImportance,
		sizer:      estimateSizer{},
		summarizer: &HeadSummarizer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WindowOption configures one session's window.
type WindowOption func(*sessionWindow)

// WindowBudget overrides the manager default budget for this session.
func WindowBudget(budget int) WindowOption {
	return func(w *sessionWindow) {
		if budget > 0 {
			w.budget = budget
		}
	}
}

// WindowStrategy overrides the manager default strategy for this session.
func WindowStrategy(s Strategy) WindowOption {
	return func(w *sessionWindow) {
		w.strategy = s
	}
}

// Track creates (or reconfigures an empty) window for a session. Strategy
// choice is per session, not a manager-wide default baked in.
func (m *Manager) Track(sessionID string, opts ...WindowOption) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[sessionID]
	if !ok {
		w = &sessionWindow{budget: m.budget, strategy: m.strategy}
		m.windows[sessionID] = w
	}
	for _, opt := range opts {
		opt(w)
	}
}

// Drop destroys a session's window. Called when the owning session expires.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, sessionID)
}

// Append adds an entry to the session's window, compacting first if needed
// so the budget invariant holds when it returns.
func (m *Manager) Append(ctx context.Context, sessionID, content string, importance int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[sessionID]
	if !ok {
		w = &sessionWindow{budget: m.budget, strategy: m.strategy}
		m.windows[sessionID] = w
	}

	size := m.sizer.Size(content)
	if size > w.budget {
		return "", fmt.Errorf("%w: entry is %d, budget is %d", ErrEntryTooLarge, size, w.budget)
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Content:    content,
		Importance: importance,
		Size:       size,
		CreatedAt:  time.Now(),
	}
	w.entries = append(w.entries, entry)
	w.usedSize += size

	if w.usedSize > w.budget {
		if err := m.compact(ctx, w, w.strategy); err != nil {
			return "", err
		}
	}

	return entry.ID, nil
}

// Compact forces a compaction pass with the given strategy.
func (m *Manager) Compact(ctx context.Context, sessionID string, strategy Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[sessionID]
	if !ok {
		return ErrWindowNotFound
	}
	return m.compact(ctx, w, strategy)
}

// Window returns a snapshot of the session's entries in creation order
// (summarization may have replaced a run with one synthetic entry).
func (m *Manager) Window(sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[sessionID]
	if !ok {
		return nil, ErrWindowNotFound
	}

	out := make([]Entry, len(w.entries))
	for i, e := range w.entries {
		out[i] = *e
	}
	return out, nil
}

// UsedSize returns the current aggregate size of the session's window.
func (m *Manager) UsedSize(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[sessionID]
	if !ok {
		return 0, ErrWindowNotFound
	}
	return w.usedSize, nil
}

func (m *Manager) compact(ctx context.Context, w *sessionWindow, strategy Strategy) error {
	fn, ok := strategyTable[strategy]
	if !ok {
		return fmt.Errorf("unknown compaction strategy: %q", strategy)
	}
	return fn(ctx, m, w)
}

// compactByImportance evicts lowest-importance entries first until the
// window fits; ties are broken oldest-first. The single highest-importance
// entry is never evicted while a lower-importance entry remains.
func compactByImportance(ctx context.Context, m *Manager, w *sessionWindow) error {
	for w.usedSize > w.budget && len(w.entries) > 1 {
		victim := 0
		for i, e := range w.entries {
			if e.Importance < w.entries[victim].Importance {
				victim = i
			}
		}
		w.usedSize -= w.entries[victim].Size
		w.entries = append(w.entries[:victim], w.entries[victim+1:]...)
	}
	return nil
}

// compactBySummarization folds the oldest contiguous run of entries below
// HighImportance into a single synthetic entry whose importance is the
// maximum of the replaced entries. High-importance content is never dropped
// without being summarized. Falls back to truncation when no run is
// available.
func compactBySummarization(ctx context.Context, m *Manager, w *sessionWindow) error {
	for w.usedSize > w.budget {
		start, end := oldestCompactableRun(w.entries)
		if end-start < 2 {
			// Nothing left to fold together; truncation is the fallback.
			return compactByTruncation(ctx, m, w)
		}

		run := w.entries[start:end]
		contents := make([]string, len(run))
		importance := run[0].Importance
		removed := 0
		for i, e := range run {
			contents[i] = e.Content
			if e.Importance > importance {
				importance = e.Importance
			}
			removed += e.Size
		}

		condensed, err := m.summarizer.Summarize(ctx, contents)
		if err != nil {
			return fmt.Errorf("summarization failed: %w", err)
		}

		synthetic := &Entry{
			ID:         uuid.NewString(),
			Content:    condensed,
			Importance: importance,
			Size:       m.sizer.Size(condensed),
			CreatedAt:  run[0].CreatedAt,
			Synthetic:  true,
		}

		entries := make([]*Entry, 0, len(w.entries)-len(run)+1)
		entries = append(entries, w.entries[:start]...)
		entries = append(entries, synthetic)
		entries = append(entries, w.entries[end:]...)
		w.entries = entries
		w.usedSize += synthetic.Size - removed

		if synthetic.Size >= removed {
			// The summary did not shrink anything; stop looping and let
			// truncation restore the invariant.
			return compactByTruncation(ctx, m, w)
		}
	}
	return nil
}

// oldestCompactableRun returns the bounds [start, end) of the oldest
// contiguous run of entries below HighImportance.
func oldestCompactableRun(entries []*Entry) (int, int) {
	start := -1
	for i, e := range entries {
		if e.Importance < HighImportance && !e.Synthetic {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return start, i
		}
	}
	if start < 0 {
		return 0, 0
	}
	return start, len(entries)
}

// compactByTruncation drops oldest entries first, regardless of importance,
// until the window fits.
func compactByTruncation(ctx context.Context, m *Manager, w *sessionWindow) error {
	for w.usedSize > w.budget && len(w.entries) > 0 {
		w.usedSize -= w.entries[0].Size
		w.entries = w.entries[1:]
	}
	return nil
}
