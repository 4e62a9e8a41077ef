package repo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
)

func TestSearchRunbooksNoEndpoint(t *testing.T) {
	r := NewWeaviateRepo("", "", "", 0, time.Second, cache.NoopProvider{}, 0)
	if r.Enabled() {
		t.Fatalf("expected repo to be disabled")
	}
	if _, err := r.SearchRunbooks(context.Background(), "KeyError", 3); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := r.IndexRunbook(context.Background(), RunbookDocument{ID: "rb-1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSearchRunbooksFiltersAndCaches(t *testing.T) {
	var hits int
	memCache := cache.NewMemoryProvider()
	r := NewWeaviateRepo("https://weaviate.test", "secret", "Runbook", 0.75, time.Second, memCache, time.Minute)
	r.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/v1/graphql" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		data, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(data), "nearText") {
			t.Fatalf("expected nearText query, got %s", data)
		}
		body := []byte(`{"data":{"Get":{"Runbook":[
			{"runbookId":"rb-keyerror","title":"KeyError in user lookups","source":"runbooks/keyerror.md","content":"Check the user payload schema.","_additional":{"id":"u-1","certainty":0.91}},
			{"runbookId":"rb-disk","title":"Disk pressure","content":"Free space.","_additional":{"id":"u-2","certainty":0.5}}
		]}}}`)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	}))

	ctx := context.Background()
	first, err := r.SearchRunbooks(ctx, "KeyError: 'user_id'", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 || first[0].ID != "rb-keyerror" {
		t.Fatalf("unexpected results: %+v", first)
	}

	second, err := r.SearchRunbooks(ctx, "keyerror: 'user_id'", 3)
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
	if len(second) != 1 {
		t.Fatalf("unexpected cached payload: %+v", second)
	}
}

func TestSearchRunbooksUpstreamError(t *testing.T) {
	r := NewWeaviateRepo("https://weaviate.test", "", "", 0, time.Second, nil, 0)
	r.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader("down")), Header: make(http.Header)}, nil
	}))

	_, err := r.SearchRunbooks(context.Background(), "boom", 3)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTPError 503, got %v", err)
	}
}

func TestSnippetBounds(t *testing.T) {
	long := strings.Repeat("é", SnippetChars)
	got := Snippet(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated snippet")
	}
	if len(got) > SnippetChars+3 {
		t.Fatalf("snippet too long: %d", len(got))
	}
	if !strings.HasPrefix(got, "é") || strings.ContainsRune(got, '�') {
		t.Fatalf("snippet split a rune")
	}
}
