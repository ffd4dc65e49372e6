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

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/devport-labs/devport/pkg/httpclient"
)

// ErrNoModelAvailable is returned when every configured model failed.
var ErrNoModelAvailable = errors.New("no generation model available")

// Generator produces portfolio content from GitHub data using the Gemini
// generateContent API. Models are tried in order until one succeeds; with
// no API key configured it falls back to a deterministic template so the
// pipeline stays runnable offline.
type Generator struct {
	apiKey   string
	baseURL  string
	models   []string
	style    string
	tone     string
	hashtags bool
	client   *httpclient.Client
	logger   *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithAPIKey sets the Gemini API key.
func WithAPIKey(key string) GeneratorOption {
	return func(g *Generator) {
		g.apiKey = key
	}
}

// WithModels sets the fallback model order.
func WithModels(models []string) GeneratorOption {
	return func(g *Generator) {
		if len(models) > 0 {
			g.models = models
		}
	}
}

// WithStyle sets the content format ("linkedin", "blog", "readme").
func WithStyle(style string) GeneratorOption {
	return func(g *Generator) {
		g.style = style
	}
}

// WithTone sets the writing tone.
func WithTone(tone string) GeneratorOption {
	return func(g *Generator) {
		g.tone = tone
	}
}

// WithHashtags toggles hashtag generation.
func WithHashtags(enabled bool) GeneratorOption {
	return func(g *Generator) {
		g.hashtags = enabled
	}
}

// WithGeneratorHTTPClient overrides the HTTP client (tests).
func WithGeneratorHTTPClient(client *httpclient.Client) GeneratorOption {
	return func(g *Generator) {
		g.client = client
	}
}

// NewGenerator creates a content generator against baseURL.
func NewGenerator(baseURL string, opts ...GeneratorOption) *Generator {
	g := &Generator{
		baseURL:  baseURL,
		models:   []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"},
		style:    "linkedin",
		tone:     "professional",
		hashtags: true,
		client:   httpclient.New(httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GeneratedContent is the output of one generation call.
type GeneratedContent struct {
	Content string `json:"content"`

	// Model that produced the content; "template" for the offline fallback.
	Model string `json:"model"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate produces portfolio content for the given profile and activity.
func (g *Generator) Generate(ctx context.Context, profile *Profile, activity *RepoActivity) (*GeneratedContent, error) {
	prompt := g.buildPrompt(profile, activity)

	if g.apiKey == "" {
		g.logger.Debug("No API key configured, using template output")
		return &GeneratedContent{Content: g.templateContent(profile, activity), Model: "template"}, nil
	}

	var lastErr error
	for _, model := range g.models {
		g.logger.Debug("Attempting content generation", "model", model)

		content, err := g.generateWithModel(ctx, model, prompt)
		if err == nil {
			g.logger.Info("Content generated", "model", model, "length", len(content))
			return &GeneratedContent{Content: content, Model: model}, nil
		}

		lastErr = err
		// Unknown-model errors move on to the next candidate; quota and
		// auth failures apply to every model alike.
		if isModelNotFound(err) {
			continue
		}
		break
	}

	return nil, fmt.Errorf("%w (tried %s): %w", ErrNoModelAvailable, strings.Join(g.models, ", "), lastErr)
}

func (g *Generator) generateWithModel(ctx context.Context, model, prompt string) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)

	reqBody, _ := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if resp == nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := truncate(string(body), 200)
		var failure geminiResponse
		if jerr := json.Unmarshal(body, &failure); jerr == nil && failure.Error != nil {
			msg = failure.Error.Message
		}
		return "", &httpclient.RetryableError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("gemini api returned %d: %s", resp.StatusCode, msg),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func isModelNotFound(err error) bool {
	var rerr *httpclient.RetryableError
	if errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func (g *Generator) buildPrompt(profile *Profile, activity *RepoActivity) string {
	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an AI writing assistant helping developers auto-generate portfolio content.\n")
	fmt.Fprintf(&sb, "Format: %s. Tone: %s.\n", g.style, g.tone)
	fmt.Fprintf(&sb, "Developer profile: Name: %s. Bio: '%s'. GitHub: %s. Repositories: %d. Followers: %d.\n",
		name, profile.Bio, profile.ProfileURL, profile.PublicRepos, profile.Followers)

	if activity != nil && len(activity.Repos) > 0 {
		sb.WriteString("Recent repository activity summary:\n")
		for _, repo := range activity.Repos {
			fmt.Fprintf(&sb, "- %s: %s\n", repo.Name, repo.Description)
			for _, commit := range repo.Commits {
				fmt.Fprintf(&sb, "   - Latest commit: '%s' (%s)\n", commit.Message, commit.Date)
			}
		}
	}

	sb.WriteString("\nWrite a post summarizing this developer's recent work and encourage engagement.\n")
	if g.hashtags {
		sb.WriteString("Add relevant hashtags at the end: #Golang #OpenSource #AI\n")
	}
	return sb.String()
}

// templateContent renders a deterministic post from the raw data.
func (g *Generator) templateContent(profile *Profile, activity *RepoActivity) string {
	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s has been busy building in the open.\n\n", name)
	if profile.Bio != "" {
		fmt.Fprintf(&sb, "%s\n\n", profile.Bio)
	}
	fmt.Fprintf(&sb, "With %d public repositories and %d followers, here's what's been shipping lately:\n\n",
		profile.PublicRepos, profile.Followers)

	if activity != nil {
		for _, repo := range activity.Repos {
			fmt.Fprintf(&sb, "- %s", repo.Name)
			if repo.Description != "" {
				fmt.Fprintf(&sb, ": %s", repo.Description)
			}
			sb.WriteString("\n")
			if len(repo.Commits) > 0 {
				fmt.Fprintf(&sb, "  Latest: %s\n", strings.SplitN(repo.Commits[0].Message, "\n", 2)[0])
			}
		}
		sb.WriteString("\n")
	}

	if profile.ProfileURL != "" {
		fmt.Fprintf(&sb, "Check out the full profile at %s\n", profile.ProfileURL)
	}
	if g.hashtags {
		sb.WriteString("\n#Golang #OpenSource #AI\n")
	}
	return sb.String()
}
