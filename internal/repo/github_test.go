package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// roundTripFunc stubs the HTTP transport of the upstream clients.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(rt roundTripFunc) *http.Client { return &http.Client{Transport: rt} }

func commitResponse(t *testing.T, patch string) *http.Response {
	t.Helper()
	payload := map[string]any{
		"sha":    "abc123def456",
		"commit": map[string]any{"message": "Add user lookup", "author": map[string]any{"name": "Dev One"}},
		"author": map[string]any{"login": "dev1"},
		"stats":  map[string]any{"additions": 10, "deletions": 2, "total": 12},
		"files": []map[string]any{
			{"filename": "app/handlers/user.py", "status": "modified", "additions": 10, "deletions": 2, "patch": patch},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(data)), Header: make(http.Header)}
}

func TestFetchCommitDiffCachesResults(t *testing.T) {
	hits := 0
	memCache := cache.NewMemoryProvider()
	client := NewGitHubClient("https://api.github.test", "tok", time.Second, memCache, time.Hour)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/repos/acme/app/commits/abc123def456" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "token tok" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if got := req.Header.Get("Accept"); got != "application/vnd.github.v3+json" {
			t.Fatalf("unexpected accept header: %q", got)
		}
		return commitResponse(t, strings.Repeat("+", 3000)), nil
	}))

	ctx := context.Background()
	diff, err := client.FetchCommitDiff(ctx, "https://github.com/acme/app", "abc123def456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff.Author != "dev1" || diff.Total != 12 || len(diff.Files) != 1 {
		t.Fatalf("unexpected diff: %+v", diff)
	}
	if len(diff.Files[0].Patch) > maxPatchChars+32 {
		t.Fatalf("patch not truncated: %d chars", len(diff.Files[0].Patch))
	}

	if _, err := client.FetchCommitDiff(ctx, "acme/app", "abc123def456"); err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
}

func TestFetchCommitDiffCollapsesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	client := NewGitHubClient("https://api.github.test", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		hits.Add(1)
		<-release
		return commitResponse(t, "+x"), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.FetchCommitDiff(context.Background(), "acme/app", "abc123def456"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}
}

func TestFetchCommitDiffClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   models.FailureKind
	}{
		{http.StatusNotFound, models.FailureInvalidInput},
		{http.StatusUnprocessableEntity, models.FailureInvalidInput},
		{http.StatusBadGateway, models.FailureUpstream},
	}
	for _, tc := range cases {
		client := NewGitHubClient("https://api.github.test", "", time.Second, nil, 0)
		client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: tc.status, Body: io.NopCloser(strings.NewReader("nope")), Header: make(http.Header)}, nil
		}))
		_, err := client.FetchCommitDiff(context.Background(), "acme/app", "deadbeef")
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("status %d: expected HTTPError, got %v", tc.status, err)
		}
		if httpErr.FailureKind() != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, httpErr.FailureKind())
		}
	}
}

func TestGatherUnattributedIsEmpty(t *testing.T) {
	client := NewGitHubClient("", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatalf("unexpected upstream call")
		return nil, nil
	}))

	evidence, err := client.Gather(context.Background(), models.ErrorEvent{}, models.Unattributed())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !evidence.OK() || evidence.Commit != nil {
		t.Fatalf("expected empty ok evidence, got %+v", evidence)
	}
}

func TestGatherAttributedFetchesWatchCommit(t *testing.T) {
	client := NewGitHubClient("https://api.github.test", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/commits/abc123def456") {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return commitResponse(t, "+x"), nil
	}))

	watch := models.DeploymentWatch{ID: "deploy-1", Repository: "acme/app", Commit: "abc123def456"}
	evidence, err := client.Gather(context.Background(), models.ErrorEvent{}, models.Attributed(watch, time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence.Commit == nil || evidence.Commit.SHA != "abc123def456" {
		t.Fatalf("unexpected evidence: %+v", evidence)
	}
}
