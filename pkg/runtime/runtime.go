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

// Package runtime assembles the orchestration core from configuration:
// store, sessions, windows, bus, operations, evaluator and the agents.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/devport-labs/devport/pkg/agents"
	"github.com/devport-labs/devport/pkg/bus"
	"github.com/devport-labs/devport/pkg/config"
	"github.com/devport-labs/devport/pkg/evaluation"
	"github.com/devport-labs/devport/pkg/memstore"
	"github.com/devport-labs/devport/pkg/operation"
	"github.com/devport-labs/devport/pkg/session"
	"github.com/devport-labs/devport/pkg/tools"
	"github.com/devport-labs/devport/pkg/window"
)

// Runtime holds the assembled components.
type Runtime struct {
	Config      *config.Config
	Store       memstore.Store
	Sessions    session.Registry
	Windows     *window.Manager
	Bus         *bus.Bus
	Operations  *operation.Manager
	Evaluator   *evaluation.Evaluator
	Coordinator *agents.Coordinator

	logger *slog.Logger
}

// New builds a runtime from cfg. Components are wired bottom-up: the store
// first, then everything that persists through it, then the agents on top.
func New(cfg *config.Config) (*Runtime, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	evaluator := evaluation.NewEvaluator()

	strategy, err := window.ParseStrategy(cfg.Window.Strategy)
	if err != nil {
		store.Close()
		return nil, err
	}
	windows := window.NewManager(
		window.WithBudget(cfg.Window.Budget),
		window.WithStrategy(strategy),
		window.WithTokenModel(cfg.Window.Model),
	)

	// A session's window dies with the session, however it goes away.
	sessions := session.NewInMemoryRegistry(
		session.WithTTL(cfg.Session.TTL),
		session.WithEvictionHook(windows.Drop),
	)

	messageBus := bus.New(store,
		bus.WithRequestTimeout(cfg.Bus.RequestTimeout),
		bus.WithMailboxSize(cfg.Bus.MailboxSize),
		bus.WithObserver(evaluator),
	)

	operations := operation.NewManager(store, operation.WithNotifier(evaluator))

	githubClient := tools.NewGitHubClient(cfg.GitHub.BaseURL,
		tools.WithGitHubToken(cfg.GitHub.Token),
		tools.WithTopRepos(cfg.GitHub.TopRepos),
	)
	generator := tools.NewGenerator(cfg.Generator.BaseURL,
		tools.WithAPIKey(cfg.Generator.APIKey),
		tools.WithModels(cfg.Generator.Models),
		tools.WithStyle(cfg.Generator.Style),
		tools.WithTone(cfg.Generator.Tone),
		tools.WithHashtags(*cfg.Generator.Hashtags),
	)
	scorer := tools.NewQualityScorer(cfg.Evaluation.MinLength, cfg.Evaluation.MaxLength)
	writer := tools.NewPortfolioWriter(cfg.Portfolio.OutputPath)

	r := &Runtime{
		Config:     cfg,
		Store:      store,
		Sessions:   sessions,
		Windows:    windows,
		Bus:        messageBus,
		Operations: operations,
		Evaluator:  evaluator,
		logger:     slog.Default(),
	}

	if err := r.registerAgents(githubClient, generator, scorer, writer); err != nil {
		store.Close()
		return nil, err
	}

	r.Coordinator = agents.NewCoordinator(messageBus, operations, sessions, windows, store)
	return r, nil
}

func (r *Runtime) registerAgents(githubClient *tools.GitHubClient, generator *tools.Generator, scorer *tools.QualityScorer, writer *tools.PortfolioWriter) error {
	analyst := agents.NewGitHubAnalyst(githubClient)
	if err := r.Bus.Register(agents.AgentGitHubAnalyst, analyst.Handle); err != nil {
		return fmt.Errorf("failed to register %s: %w", agents.AgentGitHubAnalyst, err)
	}

	content := agents.NewContentAgent(generator, scorer, r.Evaluator)
	if err := r.Bus.Register(agents.AgentContentGenerator, content.Handle); err != nil {
		return fmt.Errorf("failed to register %s: %w", agents.AgentContentGenerator, err)
	}

	writerAgent := agents.NewWriterAgent(writer)
	if err := r.Bus.Register(agents.AgentPortfolioWriter, writerAgent.Handle); err != nil {
		return fmt.Errorf("failed to register %s: %w", agents.AgentPortfolioWriter, err)
	}

	// The monitor tails workflow progress events into the log.
	if err := r.Bus.Register("monitor", r.logEvent); err != nil {
		return fmt.Errorf("failed to register monitor: %w", err)
	}
	if err := r.Bus.Subscribe(agents.TopicOperations, "monitor"); err != nil {
		return fmt.Errorf("failed to subscribe monitor: %w", err)
	}

	return nil
}

func (r *Runtime) logEvent(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
	var event agents.OperationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, err
	}
	r.logger.Info("Operation progress",
		"operation", event.OperationID,
		"username", event.Username,
		"checkpoint", event.Checkpoint,
		"status", event.Status)
	return nil, nil
}

// Close shuts the runtime down, draining the bus before closing the store.
func (r *Runtime) Close() error {
	r.Bus.Close()
	return r.Store.Close()
}

func openStore(cfg *config.Config) (memstore.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		store, err := memstore.OpenSQLStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case config.StoreBackendMemory:
		return memstore.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Store.Backend)
	}
}
