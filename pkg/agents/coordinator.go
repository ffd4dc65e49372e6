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

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/devport-labs/devport/pkg/bus"
	"github.com/devport-labs/devport/pkg/memstore"
	"github.com/devport-labs/devport/pkg/operation"
	"github.com/devport-labs/devport/pkg/session"
	"github.com/devport-labs/devport/pkg/window"
)

// Workflow checkpoints of a portfolio update.
const (
	CheckpointFetch    = "fetch"
	CheckpointGenerate = "generate"
	CheckpointWrite    = "write"
)

// OperationEvent is the payload published on the operations topic as a
// workflow progresses.
type OperationEvent struct {
	OperationID string `json:"operation_id"`
	Username    string `json:"username"`
	Checkpoint  string `json:"checkpoint,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// UpdateResult is the outcome of one portfolio update workflow.
type UpdateResult struct {
	OperationID  string        `json:"operation_id"`
	SessionID    string        `json:"session_id"`
	Username     string        `json:"username"`
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	QualityScore float64       `json:"quality_score"`
	File         string        `json:"file"`
	Elapsed      time.Duration `json:"elapsed"`
}

// workflowState is the checkpointed state of a portfolio update, enough to
// resume from any checkpoint.
type workflowState struct {
	Username string           `json:"username"`
	Analysis *AnalyzeResponse `json:"analysis,omitempty"`
	Content  string           `json:"content,omitempty"`
	Model    string           `json:"model,omitempty"`
	Quality  float64          `json:"quality,omitempty"`
}

// Coordinator drives the portfolio update workflow across the worker
// agents, tracking it as a long-running operation.
type Coordinator struct {
	bus      *bus.Bus
	ops      *operation.Manager
	sessions session.Registry
	windows  *window.Manager
	store    memstore.Store
	logger   *slog.Logger
}

// NewCoordinator creates the workflow coordinator.
func NewCoordinator(b *bus.Bus, ops *operation.Manager, sessions session.Registry, windows *window.Manager, store memstore.Store) *Coordinator {
	return &Coordinator{
		bus:      b,
		ops:      ops,
		sessions: sessions,
		windows:  windows,
		store:    store,
		logger:   slog.Default(),
	}
}

// UpdatePortfolio runs the full workflow for username: fetch GitHub data,
// generate content, write it to disk and persist the update. Each stage is
// a durable checkpoint, so a paused or interrupted operation can resume
// where it left off.
func (c *Coordinator) UpdatePortfolio(ctx context.Context, username string) (*UpdateResult, error) {
	start := time.Now()

	created, err := c.sessions.Create(ctx, &session.CreateRequest{
		OwnerAgent: AgentCoordinator,
		State:      map[string]any{"username": username},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	sessionID := created.Session.ID
	c.windows.Track(sessionID)

	op, err := c.ops.Create(ctx, "portfolio_update", AgentCoordinator, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}

	state := &workflowState{Username: username}
	result, err := c.run(ctx, op.ID, sessionID, state)
	if err != nil {
		if ferr := c.ops.Fail(ctx, op.ID, err); ferr != nil {
			c.logger.Error("Failed to record operation failure", "operation", op.ID, "error", ferr)
		}
		c.publish(ctx, OperationEvent{
			OperationID: op.ID,
			Username:    username,
			Status:      string(operation.StatusFailed),
			Error:       err.Error(),
		})
		return nil, err
	}

	result.OperationID = op.ID
	result.SessionID = sessionID
	result.Elapsed = time.Since(start)

	c.logger.Info("Portfolio update completed",
		"username", username, "operation", op.ID, "elapsed", result.Elapsed)
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, opID, sessionID string, state *workflowState) (*UpdateResult, error) {
	username := state.Username

	// Stage 1: fetch GitHub data.
	if err := c.advance(ctx, opID, username, CheckpointFetch, state); err != nil {
		return nil, err
	}

	analysis, err := c.analyze(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("github analysis failed: %w", err)
	}
	state.Analysis = analysis

	if err := c.noteContext(ctx, sessionID, profileNote(analysis), 9); err != nil {
		return nil, err
	}
	if err := c.checkCancelled(opID); err != nil {
		return nil, err
	}

	// Stage 2: generate content.
	if err := c.advance(ctx, opID, username, CheckpointGenerate, state); err != nil {
		return nil, err
	}

	generated, err := c.generate(ctx, analysis)
	if err != nil {
		return nil, fmt.Errorf("content generation failed: %w", err)
	}
	state.Content = generated.Content
	state.Model = generated.Model
	state.Quality = generated.Quality.Score

	if err := c.noteContext(ctx, sessionID, generated.Content, 8); err != nil {
		return nil, err
	}
	if err := c.checkCancelled(opID); err != nil {
		return nil, err
	}

	// Stage 3: write the portfolio entry.
	if err := c.advance(ctx, opID, username, CheckpointWrite, state); err != nil {
		return nil, err
	}

	written, err := c.write(ctx, generated.Content)
	if err != nil {
		return nil, fmt.Errorf("portfolio writing failed: %w", err)
	}

	// Persist the update so past entries can be recalled later.
	if _, err := c.store.Record(ctx, "portfolio:"+username, map[string]any{
		"username": username,
		"post":     generated.Content,
		"file":     written.File,
	}, map[string]any{
		"model":         generated.Model,
		"quality_score": generated.Quality.Score,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist portfolio update: %w", err)
	}

	finalState, merr := json.Marshal(state)
	if merr != nil {
		return nil, fmt.Errorf("failed to encode final state: %w", merr)
	}
	if err := c.ops.Complete(ctx, opID, finalState); err != nil {
		return nil, err
	}
	c.publish(ctx, OperationEvent{
		OperationID: opID,
		Username:    username,
		Status:      string(operation.StatusCompleted),
	})

	if err := c.sessions.AppendHistory(ctx, sessionID, session.HistoryRecord{
		Kind: "portfolio_update",
		Content: map[string]any{
			"username": username,
			"file":     written.File,
			"quality":  generated.Quality.Score,
		},
	}); err != nil {
		c.logger.Warn("Failed to append session history", "session", sessionID, "error", err)
	}

	return &UpdateResult{
		Username:     username,
		Content:      generated.Content,
		Model:        generated.Model,
		QualityScore: generated.Quality.Score,
		File:         written.File,
	}, nil
}

func (c *Coordinator) analyze(ctx context.Context, username string) (*AnalyzeResponse, error) {
	payload, err := json.Marshal(AnalyzeRequest{Username: username})
	if err != nil {
		return nil, err
	}
	raw, err := c.bus.SendRequest(ctx, AgentCoordinator, AgentGitHubAnalyst, payload)
	if err != nil {
		return nil, err
	}
	var resp AnalyzeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid analyze response: %w", err)
	}
	return &resp, nil
}

func (c *Coordinator) generate(ctx context.Context, analysis *AnalyzeResponse) (*GenerateResponse, error) {
	payload, err := json.Marshal(GenerateRequest{Profile: analysis.Profile, Activity: analysis.Activity})
	if err != nil {
		return nil, err
	}
	raw, err := c.bus.SendRequest(ctx, AgentCoordinator, AgentContentGenerator, payload)
	if err != nil {
		return nil, err
	}
	var resp GenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid generate response: %w", err)
	}
	return &resp, nil
}

func (c *Coordinator) write(ctx context.Context, content string) (*WriteResponse, error) {
	payload, err := json.Marshal(WriteRequest{Content: content})
	if err != nil {
		return nil, err
	}
	raw, err := c.bus.SendRequest(ctx, AgentCoordinator, AgentPortfolioWriter, payload)
	if err != nil {
		return nil, err
	}
	var resp WriteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid write response: %w", err)
	}
	return &resp, nil
}

// advance records a checkpoint and announces it on the operations topic.
func (c *Coordinator) advance(ctx context.Context, opID, username, checkpoint string, state *workflowState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode workflow state: %w", err)
	}
	if err := c.ops.Advance(ctx, opID, checkpoint, encoded); err != nil {
		return err
	}

	c.publish(ctx, OperationEvent{
		OperationID: opID,
		Username:    username,
		Checkpoint:  checkpoint,
		Status:      string(operation.StatusRunning),
	})
	return nil
}

func (c *Coordinator) checkCancelled(opID string) error {
	if c.ops.Cancelled(opID) {
		return fmt.Errorf("operation %s cancelled", opID)
	}
	return nil
}

func (c *Coordinator) noteContext(ctx context.Context, sessionID, content string, importance int) error {
	if _, err := c.windows.Append(ctx, sessionID, content, importance); err != nil {
		return fmt.Errorf("failed to track context: %w", err)
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, event OperationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := c.bus.SendEvent(ctx, AgentCoordinator, TopicOperations, payload); err != nil {
		c.logger.Warn("Failed to publish operation event", "operation", event.OperationID, "error", err)
	}
}

func profileNote(analysis *AnalyzeResponse) string {
	p := analysis.Profile
	name := p.Name
	if name == "" {
		name = p.Login
	}
	note := fmt.Sprintf("GitHub profile: %s (%d repos, %d followers). Bio: %s",
		name, p.PublicRepos, p.Followers, p.Bio)
	if analysis.Activity != nil {
		for _, repo := range analysis.Activity.Repos {
			note += fmt.Sprintf("\n- %s: %s", repo.Name, repo.Description)
		}
	}
	return note
}
