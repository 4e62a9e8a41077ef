package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

type deploymentPayload struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitSHA  string `json:"commit_sha"`
	Author     string `json:"author"`
	Message    string `json:"message"`
	// TTL is a Go duration string ("10m") or a number of seconds.
	TTL json.RawMessage `json:"ttl"`
}

func (p deploymentPayload) notification() (models.DeploymentNotification, error) {
	n := models.DeploymentNotification{
		Repository: p.Repository,
		Branch:     p.Branch,
		Commit:     p.Commit,
		Author:     p.Author,
		Message:    p.Message,
	}
	if n.Commit == "" {
		n.Commit = p.CommitSHA
	}
	ttl, err := parseTTL(p.TTL)
	if err != nil {
		return n, err
	}
	n.TTL = ttl
	return n, nil
}

func parseTTL(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: ttl %q", models.ErrInvalidEvent, s)
		}
		return d, nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return 0, fmt.Errorf("%w: ttl must be a duration or seconds", models.ErrInvalidEvent)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

type watchResponse struct {
	Status  string                 `json:"status"`
	Watch   models.DeploymentWatch `json:"watch"`
	Message string                 `json:"message"`
}

// NotifyDeployment opens a watch from a JSON notification.
func (h *Handler) NotifyDeployment(w http.ResponseWriter, r *http.Request) {
	var p deploymentPayload
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	n, err := p.notification()
	if err != nil {
		h.fail(w, "notify deployment", err)
		return
	}
	watch, err := h.svc.OpenWatch(r.Context(), n)
	if err != nil {
		h.fail(w, "notify deployment", err)
		return
	}
	writeJSON(w, http.StatusCreated, watchOpened(watch))
}

func watchOpened(w models.DeploymentWatch) watchResponse {
	return watchResponse{
		Status: "watching",
		Watch:  w,
		Message: fmt.Sprintf("Watching for errors related to commit %s until %s",
			w.ShortCommit(), w.ExpiresAt.Format(time.RFC3339)),
	}
}

// WatchStatus reports the window for ?repository=&branch=.
func (h *Handler) WatchStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := h.svc.WatchStatus(q.Get("repository"), q.Get("branch"))
	if err != nil {
		h.fail(w, "watch status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repository":        st.Repository,
		"branch":            st.Branch,
		"state":             st.State,
		"remaining_seconds": int(st.Remaining.Seconds()),
		"remaining":         utils.HumanDuration(st.Remaining),
		"watch":             st.Watch,
	})
}

// ListWatches serves recent watch history.
func (h *Handler) ListWatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	watches, err := h.svc.RecentWatches(r.Context(), limit)
	if err != nil {
		h.fail(w, "list watches", err)
		return
	}
	if watches == nil {
		watches = []models.DeploymentWatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"watches": watches})
}

// CloseWatch resolves a watch manually.
func (h *Handler) CloseWatch(w http.ResponseWriter, r *http.Request) {
	watch, err := h.svc.CloseWatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "close watch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(watch.Status), "watch": watch})
}
