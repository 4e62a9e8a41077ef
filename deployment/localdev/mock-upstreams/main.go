// Command mock-upstreams stands in for GitHub, an OpenAI-compatible chat endpoint, Weaviate
// and Twilio so the engine can run end to end on a laptop.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type commitFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

type verdict struct {
	RootCause           string   `json:"root_cause"`
	Confidence          string   `json:"confidence"`
	Severity            string   `json:"severity"`
	ContributingFactors []string `json:"contributing_factors"`
	RecommendedActions  []string `json:"recommended_actions"`
}

// recorder keeps what the engine sent so it can be inspected at /_calls.
type recorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *recorder) add(kind string, body any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, map[string]any{"kind": kind, "at": time.Now().UTC(), "body": body})
	if len(r.calls) > 100 {
		r.calls = r.calls[1:]
	}
}

func (r *recorder) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.calls...)
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("component", "mock-upstreams"))
	rec := &recorder{}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/_calls", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rec.snapshot())
	})

	r.Get("/repos/{owner}/{repo}/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		sha := chi.URLParam(r, "sha")
		writeJSON(w, http.StatusOK, map[string]any{
			"sha": sha,
			"commit": map[string]any{
				"message": "Refactor payment retry handling",
				"author":  map[string]string{"name": "Local Dev"},
			},
			"author": map[string]string{"login": "localdev"},
			"stats":  map[string]int{"additions": 12, "deletions": 4, "total": 16},
			"files": []commitFile{{
				Filename:  "internal/payments/retry.go",
				Status:    "modified",
				Additions: 12,
				Deletions: 4,
				Patch:     "@@ -10,7 +10,7 @@\n-\tif resp != nil && resp.Err == nil {\n+\tif resp.Err == nil {",
			}},
		})
	})

	r.Post("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		rec.add("chat", req)
		content, _ := json.Marshal(verdict{
			RootCause:           "Nil response dereferenced in the new payment retry path",
			Confidence:          "high",
			Severity:            "high",
			ContributingFactors: []string{"Guard against nil response was removed"},
			RecommendedActions:  []string{"Restore the nil check", "Roll back the deployment"},
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "chatcmpl-" + uuid.NewString(),
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": "```json\n" + string(content) + "\n```"},
			}},
		})
	})

	r.Post("/v1/objects", func(w http.ResponseWriter, r *http.Request) {
		var obj map[string]any
		_ = json.NewDecoder(r.Body).Decode(&obj)
		rec.add("weaviate.object", obj)
		writeJSON(w, http.StatusOK, map[string]string{"id": uuid.NewString()})
	})
	r.Post("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		var q map[string]any
		_ = json.NewDecoder(r.Body).Decode(&q)
		rec.add("weaviate.query", q)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"Get": map[string]any{"Runbook": []map[string]any{{
				"runbookId": "payments-nil-response",
				"title":     "Payments: nil response after retry",
				"source":    "runbooks/payments.md",
				"content":   "Check the retry wrapper for missing nil guards. Roll back if the error rate keeps climbing.",
				"_additional": map[string]any{
					"id":        uuid.NewString(),
					"certainty": 0.91,
				},
			}}}},
		})
	})

	r.Post("/2010-04-01/Accounts/{sid}/Calls.json", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.add("twilio.call", map[string]string{"to": r.PostForm.Get("To"), "from": r.PostForm.Get("From")})
		writeJSON(w, http.StatusCreated, map[string]string{
			"sid":    "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			"status": "queued",
		})
	})

	r.Post("/hooks/escalation", func(w http.ResponseWriter, r *http.Request) {
		var env map[string]any
		_ = json.NewDecoder(r.Body).Decode(&env)
		rec.add("webhook", env)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("encode error", slog.Any("error", err))
	}
}
