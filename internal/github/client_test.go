package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://github.com/example/demo", "example/demo", false},
		{"https://github.com/example/demo.git", "example/demo", false},
		{"git@github.com:example/demo.git", "example/demo", false},
		{"https://github.com/example", "", true},
		{"nonsense", "", true},
	}
	for _, tc := range cases {
		got, err := ParseRepoURL(tc.url)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRepoURL(%q): expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q): %v", tc.url, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRepoURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestCreatePullRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"number":   42,
			"html_url": "https://github.com/example/demo/pull/42",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1)
	pr, err := c.CreatePullRequest(context.Background(),
		"https://github.com/example/demo", "Add health endpoint", "details", "forge/wo-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number != 42 || pr.HTMLURL != "https://github.com/example/demo/pull/42" {
		t.Errorf("pr = %+v", pr)
	}
	if gotPath != "/repos/example/demo/pulls" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["head"] != "forge/wo-1" || gotBody["base"] != "main" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestLinkIssue(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1)
	err := c.LinkIssue(context.Background(),
		"https://github.com/example/demo", 7, "https://github.com/example/demo/pull/42")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/repos/example/demo/issues/7/comments" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["body"] == "" {
		t.Error("comment body empty")
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"number": 1, "html_url": "u"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 3)
	c.backoff = time.Millisecond
	if _, err := c.CreatePullRequest(context.Background(), "https://github.com/e/d", "t", "b", "h", "main"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRetry_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 3)
	c.backoff = time.Millisecond
	_, err := c.CreatePullRequest(context.Background(), "https://github.com/e/d", "t", "b", "h", "main")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *domain.GitHubAPIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
