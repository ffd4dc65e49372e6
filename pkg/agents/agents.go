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

// Package agents wires the portfolio tools to the message bus.
//
// Three worker agents expose one capability each and a coordinator chains
// them into the portfolio update workflow:
//
//	github_analyst     -> fetches profile and repository activity
//	content_generator  -> turns the data into portfolio content
//	portfolio_writer   -> saves the content to disk
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/devport-labs/devport/pkg/bus"
	"github.com/devport-labs/devport/pkg/evaluation"
	"github.com/devport-labs/devport/pkg/tools"
)

// Agent names on the bus.
const (
	AgentCoordinator      = "coordinator"
	AgentGitHubAnalyst    = "github_analyst"
	AgentContentGenerator = "content_generator"
	AgentPortfolioWriter  = "portfolio_writer"
)

// TopicOperations carries workflow progress events.
const TopicOperations = "operations"

// AnalyzeRequest asks the GitHub analyst for a user's data.
type AnalyzeRequest struct {
	Username string `json:"username"`
}

// AnalyzeResponse carries the fetched GitHub data.
type AnalyzeResponse struct {
	Profile  *tools.Profile      `json:"profile"`
	Activity *tools.RepoActivity `json:"activity,omitempty"`
}

// GenerateRequest asks the content generator for portfolio content.
type GenerateRequest struct {
	Profile  *tools.Profile      `json:"profile"`
	Activity *tools.RepoActivity `json:"activity,omitempty"`
}

// GenerateResponse carries the generated content and its quality metrics.
type GenerateResponse struct {
	Content string               `json:"content"`
	Model   string               `json:"model"`
	Quality tools.QualityMetrics `json:"quality"`
}

// WriteRequest asks the portfolio writer to save content.
type WriteRequest struct {
	Content string `json:"content"`
}

// WriteResponse reports where the content was written.
type WriteResponse struct {
	File string `json:"file"`
}

// GitHubAnalyst serves AnalyzeRequest messages.
type GitHubAnalyst struct {
	client *tools.GitHubClient
	logger *slog.Logger
}

// NewGitHubAnalyst creates the analyst agent.
func NewGitHubAnalyst(client *tools.GitHubClient) *GitHubAnalyst {
	return &GitHubAnalyst{client: client, logger: slog.Default()}
}

// Handle fetches profile and repository activity concurrently.
func (a *GitHubAnalyst) Handle(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
	var req AnalyzeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid analyze request: %w", err)
	}
	if req.Username == "" {
		return nil, fmt.Errorf("analyze request missing username")
	}

	a.logger.Info("Analyzing GitHub user", "username", req.Username)

	var resp AnalyzeResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		profile, err := a.client.FetchProfile(gctx, req.Username)
		if err != nil {
			return err
		}
		resp.Profile = profile
		return nil
	})
	g.Go(func() error {
		activity, err := a.client.FetchRepoActivity(gctx, req.Username)
		if err != nil {
			// Activity enriches the content but the profile alone is enough.
			a.logger.Warn("Repo activity unavailable", "username", req.Username, "error", err)
			return nil
		}
		resp.Activity = activity
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return json.Marshal(resp)
}

// ContentAgent serves GenerateRequest messages.
type ContentAgent struct {
	generator *tools.Generator
	scorer    *tools.QualityScorer
	evaluator *evaluation.Evaluator
	logger    *slog.Logger
}

// NewContentAgent creates the content generation agent. evaluator may be
// nil when quality tracking is not wanted.
func NewContentAgent(generator *tools.Generator, scorer *tools.QualityScorer, evaluator *evaluation.Evaluator) *ContentAgent {
	return &ContentAgent{
		generator: generator,
		scorer:    scorer,
		evaluator: evaluator,
		logger:    slog.Default(),
	}
}

// Handle generates content and scores it.
func (a *ContentAgent) Handle(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
	var req GenerateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid generate request: %w", err)
	}
	if req.Profile == nil {
		return nil, fmt.Errorf("generate request missing profile")
	}

	generated, err := a.generator.Generate(ctx, req.Profile, req.Activity)
	if err != nil {
		return nil, err
	}

	quality := a.scorer.Evaluate(generated.Content)
	a.logger.Info("Content generated",
		"model", generated.Model, "quality", quality.Score, "words", quality.WordCount)
	if a.evaluator != nil {
		a.evaluator.RecordQuality(AgentContentGenerator, quality.Score)
	}

	return json.Marshal(GenerateResponse{
		Content: generated.Content,
		Model:   generated.Model,
		Quality: quality,
	})
}

// WriterAgent serves WriteRequest messages.
type WriterAgent struct {
	writer *tools.PortfolioWriter
}

// NewWriterAgent creates the portfolio writer agent.
func NewWriterAgent(writer *tools.PortfolioWriter) *WriterAgent {
	return &WriterAgent{writer: writer}
}

// Handle saves the content to disk.
func (a *WriterAgent) Handle(ctx context.Context, msg *bus.Message) (json.RawMessage, error) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid write request: %w", err)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("no content available for portfolio writing")
	}

	file, err := a.writer.Write(req.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WriteResponse{File: file})
}
