package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/config"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/patterns"
	"github.com/miradorstack/deploywatch-rca/internal/services"
	"github.com/miradorstack/deploywatch-rca/internal/store"
	"github.com/miradorstack/deploywatch-rca/internal/watch"
)

const (
	testSecret = "s3cret"
	testKey    = "key-1"
)

type pipelineStub struct{}

func (pipelineStub) Run(_ context.Context, ev models.ErrorEvent) models.RCAReport {
	return models.RCAReport{
		ID:         "rca-test",
		Service:    ev.Service,
		Error:      ev.Error,
		RequestID:  ev.RequestID,
		RootCause:  "stub",
		Severity:   models.SeverityLow,
		Confidence: models.ConfidenceLow,
		CreatedAt:  time.Now().UTC(),
	}
}

type fixture struct {
	srv      *httptest.Server
	registry *watch.Registry
	svc      *services.IncidentService
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	registry := watch.NewRegistry()
	sink := store.NewMemorySink(10, 10)
	svc := services.NewIncidentService(nil, services.Deps{
		Pipeline: pipelineStub{},
		Registry: registry,
		Sink:     sink,
		Miner:    patterns.NewMiner(nil, nil),
	})
	h := New(nil, svc, nil, cache.NewMemoryProvider(), config.HTTPConfig{
		APIKeys:       []string{testKey},
		WebhookSecret: secret,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		svc.Wait()
	})
	return &fixture{srv: srv, registry: registry, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func authed() map[string]string { return map[string]string{"X-API-Key": testKey} }

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubHeaders(event, delivery string, body []byte) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      event,
		"X-GitHub-Delivery":   delivery,
		"X-Hub-Signature-256": sign(body),
	}
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/watches", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/watches", nil, map[string]string{"Authorization": "Bearer " + testKey})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestGitHubWebhookRejectsUnsigned(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodPost, "/webhooks/github", []byte(`{}`), map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing secret")

	f = newFixture(t, testSecret)
	resp, _ = f.do(t, http.MethodPost, "/webhooks/github", []byte(`{}`), map[string]string{
		"X-GitHub-Event":      "ping",
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "bad signature")
}

func TestGitHubWebhookPing(t *testing.T) {
	f := newFixture(t, testSecret)
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	resp, out := f.do(t, http.MethodPost, "/webhooks/github", body, githubHeaders("ping", "d-0", body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", out["status"])
}

func TestGitHubWebhookPushOpensWatchOnce(t *testing.T) {
	f := newFixture(t, testSecret)
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abcdef1234567890abcdef1234567890abcdef12",
		"repository": {"full_name": "Acme/Shop"},
		"head_commit": {"id": "abcdef1234567890abcdef1234567890abcdef12", "message": "fix cart", "author": {"name": "Dev One", "username": "dev1"}}
	}`)

	resp, out := f.do(t, http.MethodPost, "/webhooks/github", body, githubHeaders("push", "d-1", body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "watching", out["status"])
	watchBody := out["watch"].(map[string]any)
	assert.Equal(t, "dev1", watchBody["author"])
	assert.Equal(t, "acme/shop", watchBody["repository"])

	resp, out = f.do(t, http.MethodPost, "/webhooks/github", body, githubHeaders("push", "d-1", body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", out["status"])
	assert.Len(t, f.registry.Recent(0), 1)
}

func TestGitHubWebhookFailedDeliveryCanBeRedelivered(t *testing.T) {
	f := newFixture(t, testSecret)

	zero := []byte(`{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000","repository":{"full_name":"acme/shop"}}`)
	resp, _ := f.do(t, http.MethodPost, "/webhooks/github", zero, githubHeaders("push", "d-retry", zero))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, out := f.do(t, http.MethodPost, "/webhooks/github", zero, githubHeaders("push", "d-retry", zero))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEqual(t, "duplicate", out["status"])

	noRepo := []byte(`{"ref":"refs/heads/main","after":"555","repository":{"full_name":""}}`)
	resp, _ = f.do(t, http.MethodPost, "/webhooks/github", noRepo, githubHeaders("push", "d-open", noRepo))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.registry.Recent(0))

	fixed := []byte(`{"ref":"refs/heads/main","after":"555","repository":{"full_name":"acme/shop"}}`)
	resp, out = f.do(t, http.MethodPost, "/webhooks/github", fixed, githubHeaders("push", "d-open", fixed))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "watching", out["status"])

	resp, out = f.do(t, http.MethodPost, "/webhooks/github", fixed, githubHeaders("push", "d-open", fixed))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", out["status"])
}

func TestGitHubWebhookPushFallbacks(t *testing.T) {
	f := newFixture(t, testSecret)

	commits := []byte(`{"ref":"refs/heads/release","repository":{"full_name":"acme/shop"},"head_commit":null,
		"commits":[{"id":"111","author":{"name":"a"}},{"id":"222","message":"last","author":{"name":"Second Dev"}}]}`)
	resp, out := f.do(t, http.MethodPost, "/webhooks/github", commits, githubHeaders("push", "d-2", commits))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	w := out["watch"].(map[string]any)
	assert.Equal(t, "222", w["commit"])
	assert.Equal(t, "Second Dev", w["author"])
	assert.Equal(t, "release", w["branch"])

	after := []byte(`{"ref":"refs/heads/main","after":"333","pusher":{"name":"pusher"},"repository":{"full_name":"acme/shop"}}`)
	resp, out = f.do(t, http.MethodPost, "/webhooks/github", after, githubHeaders("push", "d-3", after))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	w = out["watch"].(map[string]any)
	assert.Equal(t, "333", w["commit"])
	assert.Equal(t, "pusher", w["author"])
	assert.Equal(t, "Deployment push", w["message"])

	zero := []byte(`{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000","repository":{"full_name":"acme/shop"}}`)
	resp, _ = f.do(t, http.MethodPost, "/webhooks/github", zero, githubHeaders("push", "d-4", zero))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tag := []byte(`{"ref":"refs/tags/v1","after":"444","repository":{"full_name":"acme/shop"}}`)
	resp, out = f.do(t, http.MethodPost, "/webhooks/github", tag, githubHeaders("push", "d-5", tag))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "ignored", out["status"])
}

func TestNotifyDeploymentAndStatus(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, out := f.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"repository": "acme/shop", "branch": "main", "commit_sha": "abc1234", "ttl": "10m",
	}, authed())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	w := out["watch"].(map[string]any)
	id := w["id"].(string)
	created, _ := time.Parse(time.RFC3339Nano, w["createdAt"].(string))
	expires, _ := time.Parse(time.RFC3339Nano, w["expiresAt"].(string))
	assert.Equal(t, 10*time.Minute, expires.Sub(created))

	resp, out = f.do(t, http.MethodGet, "/api/v1/watches/status?repository=acme/shop&branch=main", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "watching", out["state"])
	assert.Greater(t, out["remaining_seconds"].(float64), 500.0)

	resp, out = f.do(t, http.MethodPost, "/api/v1/watches/"+id+"/close", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", out["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/watches/deploy-missing/close", nil, authed())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{"repository": "acme/shop"}, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{"repository": "acme/shop", "commit": "x", "ttl": "soon"}, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/watches/status", nil, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseTTL(t *testing.T) {
	d, err := parseTTL(json.RawMessage(`90`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = parseTTL(nil)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestIngestErrorAndReports(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/errors", map[string]any{"service": "checkout"}, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := f.do(t, http.MethodPost, "/api/v1/errors", map[string]any{
		"service":     "checkout",
		"error":       "NullPointerException",
		"recent_logs": "line one\nline two\n",
		"request_id":  "req-42",
	}, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "analyzed", out["status"])
	assert.Equal(t, "req-42", out["request_id"])
	assert.Equal(t, "none", out["escalation"])
	report := out["report"].(map[string]any)
	assert.Equal(t, "rca-test", report["id"])

	f.svc.Wait()
	resp, out = f.do(t, http.MethodGet, "/api/v1/reports?limit=5&service=checkout", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["reports"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/reports?since=yesterday", nil, authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.do(t, http.MethodGet, "/api/v1/patterns?service=checkout", nil, authed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["patterns"], 0)
}

func TestIngestAgentLogs(t *testing.T) {
	f := newFixture(t, testSecret)
	resp, out := f.do(t, http.MethodPost, "/api/v1/agent/logs", map[string]any{
		"container_id": "abc", "container_name": "/shop-api-1", "logs": "ERROR boom",
	}, authed())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "received", out["status"])
	assert.Equal(t, false, out["triggered"])
	assert.Equal(t, "shop-api", out["service"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/agent/logs", []byte(`{"logs":"x"}`), authed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
