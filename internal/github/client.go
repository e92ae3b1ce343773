// Package github is a minimal GitHub REST client covering the calls the
// engine makes after a successful run: opening a pull request and linking it
// to an issue. Both are best effort from the caller's point of view.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// Client talks to the GitHub REST API v3
type Client struct {
	baseURL  string
	token    string
	attempts int
	backoff  time.Duration
	http     *http.Client
}

// New returns a client. attempts is the total number of tries per call;
// values below 1 are treated as 1.
func New(baseURL, token string, attempts int) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		attempts: attempts,
		backoff:  time.Second,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ParseRepoURL extracts "owner/repo" from the https and ssh clone URL forms
func ParseRepoURL(url string) (string, error) {
	s := strings.TrimSuffix(url, ".git")
	switch {
	case strings.HasPrefix(s, "git@"):
		// git@github.com:owner/repo
		_, after, found := strings.Cut(s, ":")
		if !found {
			return "", fmt.Errorf("unrecognized repository url %q", url)
		}
		s = after
	case strings.Contains(s, "://"):
		// https://github.com/owner/repo
		_, after, _ := strings.Cut(s, "://")
		parts := strings.SplitN(after, "/", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("unrecognized repository url %q", url)
		}
		s = parts[1]
	}
	s = strings.Trim(s, "/")
	if strings.Count(s, "/") != 1 {
		return "", fmt.Errorf("unrecognized repository url %q", url)
	}
	return s, nil
}

// PullRequest is the subset of the API response the engine uses
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreatePullRequest opens a PR from head into base on the repository the
// clone URL points at
func (c *Client) CreatePullRequest(ctx context.Context, repoURL, title, body, head, base string) (*PullRequest, error) {
	ownerRepo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var pr PullRequest
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/pulls", ownerRepo), payload, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// LinkIssue comments the pull request URL on an issue so GitHub cross-links
// the two
func (c *Client) LinkIssue(ctx context.Context, repoURL string, issueNumber int, prURL string) error {
	ownerRepo, err := ParseRepoURL(repoURL)
	if err != nil {
		return err
	}
	payload := map[string]string{"body": "Pull request: " + prURL}
	return c.post(ctx, fmt.Sprintf("/repos/%s/issues/%d/comments", ownerRepo, issueNumber), payload, nil)
}

// post sends the request, retrying transient failures with doubling backoff
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = c.doPost(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *domain.GitHubAPIError
		if !errors.As(lastErr, &apiErr) || !apiErr.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doPost(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.GitHubAPIError{Err: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.GitHubAPIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
