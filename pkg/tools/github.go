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

// Package tools holds the concrete capabilities the agents expose over the
// bus: GitHub analysis, content generation, portfolio writing and content
// scoring.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/devport-labs/devport/pkg/httpclient"
)

// ErrUserNotFound is returned when the GitHub user does not exist.
var ErrUserNotFound = errors.New("github user not found")

// Profile is the subset of a GitHub user profile relevant to portfolio
// generation.
type Profile struct {
	Login       string `json:"login"`
	Name        string `json:"name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	PublicRepos int    `json:"public_repos"`
	Followers   int    `json:"followers"`
	ProfileURL  string `json:"html_url"`
}

// Commit is one recent commit on a repository.
type Commit struct {
	Message string `json:"message"`
	Date    string `json:"date"`
}

// RepoSummary is one repository with its recent commits.
type RepoSummary struct {
	Name        string   `json:"repo_name"`
	Description string   `json:"description,omitempty"`
	Commits     []Commit `json:"commits,omitempty"`
}

// RepoActivity is the recent activity across a user's top repositories.
type RepoActivity struct {
	Repos []RepoSummary `json:"repos"`
}

// GitHubClient fetches public profile and repository data from the GitHub
// REST API. Unauthenticated requests work for public data; a token raises
// the rate limit.
type GitHubClient struct {
	baseURL  string
	token    string
	topRepos int
	client   *httpclient.Client
	logger   *slog.Logger
}

// GitHubOption configures a GitHubClient.
type GitHubOption func(*GitHubClient)

// WithGitHubToken authenticates requests.
func WithGitHubToken(token string) GitHubOption {
	return func(c *GitHubClient) {
		c.token = token
	}
}

// WithTopRepos sets how many recently updated repositories to analyze.
func WithTopRepos(n int) GitHubOption {
	return func(c *GitHubClient) {
		if n > 0 {
			c.topRepos = n
		}
	}
}

// WithGitHubHTTPClient overrides the HTTP client (tests).
func WithGitHubHTTPClient(client *httpclient.Client) GitHubOption {
	return func(c *GitHubClient) {
		c.client = client
	}
}

// NewGitHubClient creates a GitHub API client against baseURL.
func NewGitHubClient(baseURL string, opts ...GitHubOption) *GitHubClient {
	c := &GitHubClient{
		baseURL:  baseURL,
		topRepos: 3,
		client:   httpclient.New(httpclient.WithHeaderParser(httpclient.ParseGitHubHeaders)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchProfile retrieves the public profile of username.
func (c *GitHubClient) FetchProfile(ctx context.Context, username string) (*Profile, error) {
	c.logger.Debug("Fetching GitHub profile", "username", username)

	var profile Profile
	url := fmt.Sprintf("%s/users/%s", c.baseURL, username)
	if err := c.getJSON(ctx, url, &profile); err != nil {
		return nil, fmt.Errorf("failed to fetch profile for %s: %w", username, err)
	}
	return &profile, nil
}

// FetchRepoActivity retrieves the user's most recently updated public
// repositories with their last three commits each.
func (c *GitHubClient) FetchRepoActivity(ctx context.Context, username string) (*RepoActivity, error) {
	c.logger.Debug("Fetching repo activity", "username", username, "top_repos", c.topRepos)

	var repos []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	url := fmt.Sprintf("%s/users/%s/repos?sort=updated&type=public", c.baseURL, username)
	if err := c.getJSON(ctx, url, &repos); err != nil {
		return nil, fmt.Errorf("failed to fetch repos for %s: %w", username, err)
	}
	if len(repos) > c.topRepos {
		repos = repos[:c.topRepos]
	}

	activity := &RepoActivity{Repos: make([]RepoSummary, 0, len(repos))}
	for _, repo := range repos {
		summary := RepoSummary{Name: repo.Name, Description: repo.Description}

		var raw []struct {
			Commit struct {
				Message   string `json:"message"`
				Committer struct {
					Date string `json:"date"`
				} `json:"committer"`
			} `json:"commit"`
		}
		commitsURL := fmt.Sprintf("%s/repos/%s/%s/commits", c.baseURL, username, repo.Name)
		if err := c.getJSON(ctx, commitsURL, &raw); err != nil {
			// Empty repos return 409; commit history is best effort either way.
			c.logger.Debug("Skipping commits", "repo", repo.Name, "error", err)
		} else {
			for i, commit := range raw {
				if i >= 3 {
					break
				}
				summary.Commits = append(summary.Commits, Commit{
					Message: commit.Commit.Message,
					Date:    commit.Commit.Committer.Date,
				})
			}
		}

		activity.Repos = append(activity.Repos, summary)
	}

	return activity, nil
}

func (c *GitHubClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Do reports non-2xx responses as errors but still returns the response
	// so the status can be mapped.
	resp, err := c.client.Do(req)
	if resp == nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return &httpclient.RetryableError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("github api returned %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
