package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

type errorPayload struct {
	Service    string    `json:"service"`
	Error      string    `json:"error"`
	Stacktrace string    `json:"stacktrace"`
	RecentLogs logLines  `json:"recent_logs"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Env        string    `json:"env"`
	Repository string    `json:"repository"`
}

// logLines accepts either a JSON array of lines or a single newline-separated string.
type logLines []string

func (l *logLines) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*l = models.SplitLogs(raw)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*l = lines
	return nil
}

type ingestResponse struct {
	Status           string                  `json:"status"`
	RequestID        string                  `json:"request_id"`
	Report           models.RCAReport        `json:"report"`
	Escalation       models.EscalationAction `json:"escalation"`
	ProcessingTimeMS int64                   `json:"processing_time_ms"`
}

// IngestError runs the pipeline synchronously and returns the report.
func (h *Handler) IngestError(w http.ResponseWriter, r *http.Request) {
	var p errorPayload
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	start := time.Now()
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()[:8]
	}

	ev := models.NewErrorEvent(p.Service, p.Error, p.Stacktrace, p.RecentLogs, p.Timestamp)
	ev.RequestID = requestID
	ev.Endpoint = p.Endpoint
	ev.Method = p.Method
	ev.Environment = p.Env
	ev.RepositoryHint = p.Repository

	report, action, err := h.svc.Analyze(r.Context(), ev)
	if err != nil {
		h.fail(w, "analyze error", err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Status:           "analyzed",
		RequestID:        requestID,
		Report:           report,
		Escalation:       action,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	})
}

// IngestAgentLogs receives container log chunks from the log agent.
func (h *Handler) IngestAgentLogs(w http.ResponseWriter, r *http.Request) {
	var chunk models.AgentLogChunk
	if err := decodeBody(w, r, &chunk); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	res, err := h.svc.IngestAgentLogs(r.Context(), chunk)
	if err != nil {
		h.fail(w, "ingest agent logs", err)
		return
	}
	body := map[string]any{
		"status":    "received",
		"message":   "Processed chunk for " + chunk.ContainerID,
		"service":   res.Service,
		"triggered": res.Triggered,
		"reason":    res.Reason,
	}
	if res.Report != nil {
		body["report_id"] = res.Report.ID
	}
	writeJSON(w, http.StatusAccepted, body)
}

// ListReports serves report history with optional filters.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := models.ListReportsRequest{
		Service:        q.Get("service"),
		DeploymentOnly: q.Get("deployment_only") == "true",
		PageToken:      q.Get("page_token"),
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	req.PageSize = limit
	if since := q.Get("since"); since != "" {
		ts, err := utils.ParseTimestamp(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		req.Since = ts
	}

	resp, err := h.svc.Reports(r.Context(), req)
	if err != nil {
		h.fail(w, "list reports", err)
		return
	}
	if resp.Reports == nil {
		resp.Reports = []models.RCAReport{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPatterns serves recurring failure signatures.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	found, err := h.svc.Patterns(r.Context(), strings.TrimSpace(r.URL.Query().Get("service")), limit)
	if err != nil {
		h.fail(w, "list patterns", err)
		return
	}
	if found == nil {
		found = []models.FailurePattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": found})
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
