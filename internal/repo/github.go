package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	maxPatchChars    = 2000
	maxCommitFiles   = 50
)

// ErrNotConfigured is returned by clients whose endpoint is unset.
var ErrNotConfigured = errors.New("endpoint not configured")

// HTTPError is a non-success upstream response.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.StatusCode, e.Body)
}

// FailureKind lets the pipeline classify the error: bad references are the caller's fault,
// everything else is an upstream outage.
func (e *HTTPError) FailureKind() models.FailureKind {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return models.FailureInvalidInput
	default:
		return models.FailureUpstream
	}
}

// GitHubClient fetches commit diffs from the GitHub REST API.
type GitHubClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
	group      singleflight.Group
}

// NewGitHubClient constructs a client. Commits are immutable so cached diffs are reused for ttl.
func NewGitHubClient(baseURL, token string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &GitHubClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
	}
}

// Name identifies the provider in evidence bundles.
func (c *GitHubClient) Name() models.ProviderName { return models.ProviderCommitFetcher }

// Gather fetches the diff of the correlated deployment. Unattributed events yield an empty result.
func (c *GitHubClient) Gather(ctx context.Context, _ models.ErrorEvent, corr models.Correlation) (models.Evidence, error) {
	if !corr.Attributed || corr.Watch == nil || corr.Watch.Commit == "" {
		return models.CommitEvidence(nil), nil
	}
	diff, err := c.FetchCommitDiff(ctx, corr.Watch.Repository, corr.Watch.Commit)
	if err != nil {
		return models.Evidence{}, err
	}
	return models.CommitEvidence(diff), nil
}

// FetchCommitDiff returns the files and stats changed by sha. Concurrent requests for the same
// commit share one upstream call.
func (c *GitHubClient) FetchCommitDiff(ctx context.Context, repository, sha string) (*models.CommitDiff, error) {
	if c == nil {
		return nil, fmt.Errorf("github client not initialised")
	}
	repository = normalizeRepository(repository)
	if repository == "" || strings.TrimSpace(sha) == "" {
		return nil, &HTTPError{Service: "github", StatusCode: http.StatusBadRequest, Body: "repository and sha are required"}
	}

	key := commitCacheKey(repository, sha)
	if cached, ok, _ := cache.GetJSON[models.CommitDiff](ctx, c.cache, key); ok {
		return &cached, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		diff, err := c.fetch(ctx, repository, sha)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			_ = cache.SetJSON(ctx, c.cache, key, diff, c.ttl)
		}
		return diff, nil
	})
	if err != nil {
		return nil, err
	}
	diff := *result.(*models.CommitDiff)
	return &diff, nil
}

func (c *GitHubClient) fetch(ctx context.Context, repository, sha string) (*models.CommitDiff, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/commits/%s", c.baseURL, repository, url.PathEscape(sha))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github commit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Service: "github", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var payload struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"commit"`
		Author *struct {
			Login string `json:"login"`
		} `json:"author"`
		Stats struct {
			Additions int `json:"additions"`
			Deletions int `json:"deletions"`
			Total     int `json:"total"`
		} `json:"stats"`
		Files []struct {
			Filename  string `json:"filename"`
			Status    string `json:"status"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode github commit: %w", err)
	}

	diff := &models.CommitDiff{
		Repository: repository,
		SHA:        firstNonEmpty(payload.SHA, sha),
		Author:     payload.Commit.Author.Name,
		Message:    payload.Commit.Message,
		Additions:  payload.Stats.Additions,
		Deletions:  payload.Stats.Deletions,
		Total:      payload.Stats.Total,
	}
	if payload.Author != nil && payload.Author.Login != "" {
		diff.Author = payload.Author.Login
	}
	for i, f := range payload.Files {
		if i == maxCommitFiles {
			break
		}
		diff.Files = append(diff.Files, models.FileChange{
			Filename:  f.Filename,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     truncate(f.Patch, maxPatchChars),
		})
	}
	return diff, nil
}

func commitCacheKey(repository, sha string) string {
	return fmt.Sprintf("github:commit:%s:%s", repository, sha)
}

func normalizeRepository(repository string) string {
	repository = strings.TrimSpace(repository)
	repository = strings.TrimPrefix(repository, "https://github.com/")
	repository = strings.TrimSuffix(repository, ".git")
	return strings.Trim(repository, "/")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "\n... [truncated]"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
