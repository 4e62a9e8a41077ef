package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const zeroSHA = "0000000000000000000000000000000000000000"

type githubAuthor struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type githubCommit struct {
	ID      string       `json:"id"`
	Message string       `json:"message"`
	Author  githubAuthor `json:"author"`
}

type pushPayload struct {
	Ref        string         `json:"ref"`
	After      string         `json:"after"`
	Deleted    bool           `json:"deleted"`
	HeadCommit *githubCommit  `json:"head_commit"`
	Commits    []githubCommit `json:"commits"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// headCommit picks the deployed commit: head_commit, then the last listed commit, then the
// "after" SHA. ok is false when none is usable.
func (p pushPayload) headCommit() (githubCommit, bool) {
	if p.HeadCommit != nil && p.HeadCommit.ID != "" {
		return *p.HeadCommit, true
	}
	if n := len(p.Commits); n > 0 {
		return p.Commits[n-1], true
	}
	if p.After != "" && p.After != zeroSHA {
		name := p.Pusher.Name
		if name == "" {
			name = "unknown"
		}
		return githubCommit{ID: p.After, Message: "Deployment push", Author: githubAuthor{Name: name}}, true
	}
	return githubCommit{}, false
}

func (c githubCommit) author() string {
	switch {
	case c.Author.Username != "":
		return c.Author.Username
	case c.Author.Name != "":
		return c.Author.Name
	default:
		return "unknown"
	}
}

// GitHubWebhook opens a deployment watch for signed GitHub push events.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.WebhookSecret == "" {
		writeError(w, http.StatusUnauthorized, "webhook secret not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sig, "sha256=") || !verifySignature(body, h.cfg.WebhookSecret, sig[len("sha256="):]) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "push":
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": event})
		return
	}

	// A claimed delivery id is released whenever the push fails to open a watch.
	var claimed string
	if delivery := r.Header.Get("X-GitHub-Delivery"); delivery != "" {
		key := "github:delivery:" + delivery
		fresh, err := h.deliveries.SetNX(r.Context(), key, []byte("1"), h.cfg.DeliveryTTL)
		switch {
		case err != nil:
			h.logger.Warn("delivery dedupe unavailable", slog.String("delivery", delivery), slog.Any("error", err))
		case !fresh:
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "delivery": delivery})
			return
		default:
			claimed = key
		}
	}
	release := func() {
		if claimed == "" {
			return
		}
		if err := h.deliveries.Del(context.WithoutCancel(r.Context()), claimed); err != nil {
			h.logger.Warn("release delivery failed", slog.String("key", claimed), slog.Any("error", err))
		}
	}

	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		release()
		writeError(w, http.StatusBadRequest, "invalid push payload")
		return
	}
	if p.Deleted || !strings.HasPrefix(p.Ref, "refs/heads/") {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "ref": p.Ref})
		return
	}
	commit, ok := p.headCommit()
	if !ok {
		release()
		writeError(w, http.StatusBadRequest, "no head_commit, no commits and no usable after SHA in push event")
		return
	}

	watch, err := h.svc.OpenWatch(r.Context(), models.DeploymentNotification{
		Repository: p.Repository.FullName,
		Branch:     strings.TrimPrefix(p.Ref, "refs/heads/"),
		Commit:     commit.ID,
		Author:     commit.author(),
		Message:    commit.Message,
	})
	if err != nil {
		release()
		h.fail(w, "github push", err)
		return
	}
	writeJSON(w, http.StatusCreated, watchOpened(watch))
}

func verifySignature(payload []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
