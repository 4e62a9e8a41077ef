package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const defaultRunbookClass = "Runbook"

// RunbookDocument is a runbook section stored in Weaviate.
type RunbookDocument struct {
	ID      string
	Title   string
	Source  string
	Content string
}

// WeaviateRepo searches runbooks stored in a Weaviate class by semantic similarity.
type WeaviateRepo struct {
	endpoint   string
	apiKey     string
	class      string
	certainty  float64
	httpClient *http.Client
	cache      cache.Provider
	searchTTL  time.Duration
}

// NewWeaviateRepo constructs a Weaviate client. An empty endpoint disables remote search.
func NewWeaviateRepo(endpoint, apiKey, class string, certainty float64, timeout time.Duration, cacheProvider cache.Provider, searchTTL time.Duration) *WeaviateRepo {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if class == "" {
		class = defaultRunbookClass
	}
	if certainty <= 0 || certainty >= 1 {
		certainty = 0.7
	}
	if searchTTL < 0 {
		searchTTL = 0
	}
	return &WeaviateRepo{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		certainty:  certainty,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		searchTTL:  searchTTL,
	}
}

// Enabled reports whether a remote endpoint is configured.
func (r *WeaviateRepo) Enabled() bool {
	return r != nil && r.endpoint != ""
}

// IndexRunbook stores or replaces a runbook section.
func (r *WeaviateRepo) IndexRunbook(ctx context.Context, doc RunbookDocument) error {
	if r == nil {
		return fmt.Errorf("weaviate repo not initialised")
	}
	if r.endpoint == "" {
		return nil
	}

	payload := map[string]any{
		"class": r.class,
		"properties": map[string]any{
			"runbookId": doc.ID,
			"title":     doc.Title,
			"source":    doc.Source,
			"content":   doc.Content,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal runbook: %w", err)
	}

	resp, err := r.do(ctx, "/v1/objects", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Service: "weaviate", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

// SearchRunbooks returns up to limit runbook excerpts whose certainty clears the threshold.
func (r *WeaviateRepo) SearchRunbooks(ctx context.Context, query string, limit int) ([]models.RunbookExcerpt, error) {
	if r == nil {
		return nil, fmt.Errorf("weaviate repo not initialised")
	}
	if r.endpoint == "" {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 3
	}

	cacheKey := ""
	if r.searchTTL > 0 {
		cacheKey = cacheRunbookSearchKey(r.class, query, limit)
		if cached, ok, _ := cache.GetJSON[[]models.RunbookExcerpt](ctx, r.cache, cacheKey); ok {
			return cached, nil
		}
	}

	gql := map[string]any{
		"query": fmt.Sprintf(`{
          Get {
            %s(
              limit: %d
              nearText: {concepts: [%s], certainty: %s}
            ) {
              runbookId
              title
              source
              content
              _additional { id certainty }
            }
          }
        }`, r.class, limit, strconv.Quote(query), strconv.FormatFloat(r.certainty, 'f', 2, 64)),
	}
	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	resp, err := r.do(ctx, "/v1/graphql", payload)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Service: "weaviate", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				RunbookID  string `json:"runbookId"`
				Title      string `json:"title"`
				Source     string `json:"source"`
				Content    string `json:"content"`
				Additional struct {
					ID        string  `json:"id"`
					Certainty float64 `json:"certainty"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[r.class]
	results := make([]models.RunbookExcerpt, 0, len(records))
	for _, rec := range records {
		if rec.Additional.Certainty < r.certainty {
			continue
		}
		results = append(results, models.RunbookExcerpt{
			ID:      firstNonEmpty(rec.RunbookID, rec.Additional.ID),
			Title:   rec.Title,
			Source:  rec.Source,
			Snippet: Snippet(rec.Content),
			Score:   rec.Additional.Certainty,
		})
	}

	if cacheKey != "" && len(results) > 0 {
		_ = cache.SetJSON(ctx, r.cache, cacheKey, results, r.searchTTL)
	}
	return results, nil
}

func (r *WeaviateRepo) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return r.httpClient.Do(req)
}

// SnippetChars bounds runbook excerpts handed to synthesis.
const SnippetChars = 500

// Snippet trims content to SnippetChars without splitting a UTF-8 sequence.
func Snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= SnippetChars {
		return content
	}
	cut := SnippetChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func cacheRunbookSearchKey(class, query string, limit int) string {
	return fmt.Sprintf("weaviate:runbooks:%s:%d:%s", class, limit, strings.ToLower(strings.TrimSpace(query)))
}
