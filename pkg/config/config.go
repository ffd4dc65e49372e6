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

// Package config defines the configuration surface of the devport runtime.
//
// Configuration is loaded from a YAML file with ${VAR} / ${VAR:-default}
// environment expansion applied to every string value before parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend identifies the memory store backend.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendSQLite StoreBackend = "sqlite"
)

// Config is the root configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Window     WindowConfig     `yaml:"window,omitempty"`
	Bus        BusConfig        `yaml:"bus,omitempty"`
	GitHub     GitHubConfig     `yaml:"github,omitempty"`
	Generator  GeneratorConfig  `yaml:"generator,omitempty"`
	Portfolio  PortfolioConfig  `yaml:"portfolio,omitempty"`
	Evaluation EvaluationConfig `yaml:"evaluation,omitempty"`
}

// StoreConfig configures the durable memory store.
type StoreConfig struct {
	// Backend: "memory" or "sqlite".
	Backend StoreBackend `yaml:"backend,omitempty"`

	// Path to the sqlite database file. Ignored for the memory backend.
	Path string `yaml:"path,omitempty"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// TTL is the session time-to-live, renewed on access.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// WindowConfig configures the context window manager.
type WindowConfig struct {
	// Budget is the maximum aggregate size of a window, in tokens.
	Budget int `yaml:"budget,omitempty"`

	// Strategy: "importance", "summarize" or "truncate".
	Strategy string `yaml:"strategy,omitempty"`

	// Model used for token counting.
	Model string `yaml:"model,omitempty"`
}

// BusConfig configures the A2A message bus.
type BusConfig struct {
	// RequestTimeout is the default deadline for send_request calls.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// MailboxSize is the per-recipient inbound queue depth.
	MailboxSize int `yaml:"mailbox_size,omitempty"`
}

// GitHubConfig configures the GitHub data tool.
type GitHubConfig struct {
	// BaseURL overrides the GitHub API endpoint (tests).
	BaseURL string `yaml:"base_url,omitempty"`

	// Token for authenticated requests. Supports ${VAR} expansion.
	Token string `yaml:"token,omitempty"`

	// TopRepos is how many recently updated repositories to analyze.
	TopRepos int `yaml:"top_repos,omitempty"`
}

// GeneratorConfig configures the content generation tool.
type GeneratorConfig struct {
	// APIKey for the Gemini API. Supports ${VAR} expansion. When empty the
	// generator falls back to deterministic template output.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the Gemini API endpoint (tests).
	BaseURL string `yaml:"base_url,omitempty"`

	// Models are tried in order until one succeeds.
	Models []string `yaml:"models,omitempty"`

	// Style: "linkedin", "blog" or "readme".
	Style string `yaml:"style,omitempty"`

	// Tone of the generated content.
	Tone string `yaml:"tone,omitempty"`

	// Hashtags enables hashtag generation.
	Hashtags *bool `yaml:"hashtags,omitempty"`
}

// PortfolioConfig configures the portfolio writer tool.
type PortfolioConfig struct {
	// OutputPath is where generated entries are written.
	OutputPath string `yaml:"output_path,omitempty"`
}

// EvaluationConfig configures the evaluator.
type EvaluationConfig struct {
	// MinLength and MaxLength bound the content length scoring band.
	MinLength int `yaml:"min_length,omitempty"`
	MaxLength int `yaml:"max_length,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendMemory
	}
	if c.Store.Backend == StoreBackendSQLite && c.Store.Path == "" {
		c.Store.Path = ".devport/devport.db"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Window.Budget <= 0 {
		c.Window.Budget = 32000
	}
	if c.Window.Strategy == "" {
		c.Window.Strategy = "importance"
	}
	if c.Window.Model == "" {
		c.Window.Model = "gpt-4o"
	}
	if c.Bus.RequestTimeout <= 0 {
		c.Bus.RequestTimeout = 30 * time.Second
	}
	if c.Bus.MailboxSize <= 0 {
		c.Bus.MailboxSize = 64
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = "https://api.github.com"
	}
	if c.GitHub.TopRepos <= 0 {
		c.GitHub.TopRepos = 3
	}
	if c.Generator.BaseURL == "" {
		c.Generator.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if len(c.Generator.Models) == 0 {
		c.Generator.Models = []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"}
	}
	if c.Generator.Style == "" {
		c.Generator.Style = "linkedin"
	}
	if c.Generator.Tone == "" {
		c.Generator.Tone = "professional"
	}
	if c.Generator.Hashtags == nil {
		hashtags := true
		c.Generator.Hashtags = &hashtags
	}
	if c.Portfolio.OutputPath == "" {
		c.Portfolio.OutputPath = "portfolio_entry.md"
	}
	if c.Evaluation.MinLength <= 0 {
		c.Evaluation.MinLength = 100
	}
	if c.Evaluation.MaxLength <= 0 {
		c.Evaluation.MaxLength = 2000
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendSQLite:
	default:
		return fmt.Errorf("unsupported store backend: %q (supported: memory, sqlite)", c.Store.Backend)
	}
	switch c.Window.Strategy {
	case "importance", "summarize", "truncate":
	default:
		return fmt.Errorf("unsupported window strategy: %q (supported: importance, summarize, truncate)", c.Window.Strategy)
	}
	if c.Evaluation.MinLength > c.Evaluation.MaxLength {
		return fmt.Errorf("evaluation min_length (%d) exceeds max_length (%d)", c.Evaluation.MinLength, c.Evaluation.MaxLength)
	}
	return nil
}

// Load reads a YAML config file, expands environment variables and applies
// defaults. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
