package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/escalation"
	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
	"github.com/miradorstack/deploywatch-rca/internal/hub"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/patterns"
	"github.com/miradorstack/deploywatch-rca/internal/store"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
	"github.com/miradorstack/deploywatch-rca/internal/watch"
)

const (
	backgroundTimeout = 15 * time.Second
	patternWindow     = 200
	defaultWatchLimit = 20
)

// agentErrorMarkers gate agent log chunks before they enter the pipeline.
var agentErrorMarkers = []string{"error", "exception", "traceback", "panic:", "fatal"}

// Pipeline produces a report for an error event.
type Pipeline interface {
	Run(ctx context.Context, ev models.ErrorEvent) models.RCAReport
}

// WatchRegistry is the part of the watch registry the service drives directly.
type WatchRegistry interface {
	Open(repository, branch, commit, author, message string, ttl time.Duration) models.DeploymentWatch
	Close(id, outcome string) (models.DeploymentWatch, error)
	Status(repository, branch string, at time.Time) models.WatchStatus
	Recent(limit int) []models.DeploymentWatch
}

// WatchLookup finds the active watch for a service without recording an attribution.
type WatchLookup interface {
	Lookup(service, repositoryHint string, at time.Time) (models.DeploymentWatch, bool)
}

// Escalator delivers escalations asynchronously.
type Escalator interface {
	Dispatch(report models.RCAReport, action models.EscalationAction) error
}

// Archiver copies finished reports to long-term storage.
type Archiver interface {
	Store(ctx context.Context, report models.RCAReport) (string, error)
}

// PatternCache serves previously mined patterns.
type PatternCache interface {
	Load(ctx context.Context, service string) ([]models.FailurePattern, bool, error)
}

// Deps wires the collaborators of an IncidentService. Everything except Pipeline and Registry
// is optional.
type Deps struct {
	Pipeline     Pipeline
	Registry     WatchRegistry
	Lookup       WatchLookup
	Sink         store.ReportSink
	Escalator    Escalator
	Archive      Archiver
	Publisher    Publisher
	Miner        *patterns.Miner
	Patterns     PatternCache
	DefaultTTL   time.Duration
	AgentTrigger bool
	// LatencyWindow bounds the samples kept for p95 reporting.
	LatencyWindow int
}

// AgentLogResult describes what happened to an agent log chunk.
type AgentLogResult struct {
	Service   string            `json:"service"`
	Triggered bool              `json:"triggered"`
	Reason    string            `json:"reason"`
	Report    *models.RCAReport `json:"report,omitempty"`
}

// IncidentService is the application facade shared by the gRPC and HTTP surfaces.
type IncidentService struct {
	rcav1.UnimplementedDeployWatchServer

	logger    *slog.Logger
	deps      Deps
	latencies *utils.LatencyTracker
	now       func() time.Time
	bg        sync.WaitGroup
}

// NewIncidentService constructs the service facade.
func NewIncidentService(logger *slog.Logger, deps Deps) *IncidentService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.DefaultTTL <= 0 {
		deps.DefaultTTL = watch.DefaultTTL
	}
	return &IncidentService{
		logger:    logger,
		deps:      deps,
		latencies: utils.NewLatencyTracker(deps.LatencyWindow),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Analyze validates ev and runs the pipeline. The report is returned as soon as it exists;
// persistence, archiving, broadcast and escalation continue in the background.
func (s *IncidentService) Analyze(ctx context.Context, ev models.ErrorEvent) (models.RCAReport, models.EscalationAction, error) {
	if err := ev.Validate(); err != nil {
		return models.RCAReport{}, models.EscalationNone, err
	}
	if s.deps.Pipeline == nil {
		return models.RCAReport{}, models.EscalationNone, utils.NewAppError("analyze", "pipeline not configured", nil)
	}

	s.logger.Debug("analyzing error event",
		slog.String("service", ev.Service),
		slog.String("request_id", ev.RequestID),
	)

	start := time.Now()
	report := s.deps.Pipeline.Run(ctx, ev)
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Total(); count >= 20 && count%20 == 0 {
		s.logger.Info("pipeline latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", s.latencies.Count()),
		)
	}

	action := escalation.Decide(report)
	s.finish(report, action)
	return report, action, nil
}

func (s *IncidentService) finish(report models.RCAReport, action models.EscalationAction) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(hub.EventReportCreated, report.Service, report)
	}
	if s.deps.Escalator != nil {
		if err := s.deps.Escalator.Dispatch(report, action); err != nil {
			s.logger.Warn("escalation not queued", slog.String("report_id", report.ID), slog.Any("error", err))
		}
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		if s.deps.Sink != nil {
			if err := s.deps.Sink.AppendReport(ctx, report); err != nil {
				s.logger.Error("persist report failed", slog.String("report_id", report.ID), slog.Any("error", err))
			}
		}
		if s.deps.Archive != nil {
			key, err := s.deps.Archive.Store(ctx, report)
			if err != nil {
				s.logger.Warn("archive report failed", slog.String("report_id", report.ID), slog.Any("error", err))
			} else {
				s.logger.Debug("report archived", slog.String("report_id", report.ID), slog.String("key", key))
			}
		}
	}()
}

// Wait blocks until background report work has finished.
func (s *IncidentService) Wait() { s.bg.Wait() }

// OpenWatch starts a deployment watch for the notification.
func (s *IncidentService) OpenWatch(_ context.Context, n models.DeploymentNotification) (models.DeploymentWatch, error) {
	if err := n.Validate(); err != nil {
		return models.DeploymentWatch{}, err
	}
	if s.deps.Registry == nil {
		return models.DeploymentWatch{}, utils.NewAppError("open watch", "registry not configured", nil)
	}
	ttl := n.TTL
	if ttl <= 0 {
		ttl = s.deps.DefaultTTL
	}
	branch := n.Branch
	if strings.TrimSpace(branch) == "" {
		branch = "main"
	}
	w := s.deps.Registry.Open(n.Repository, branch, n.Commit, n.Author, n.Message, ttl)
	s.logger.Info("deployment watch opened",
		slog.String("watch_id", w.ID),
		slog.String("repository", w.Repository),
		slog.String("branch", w.Branch),
		slog.String("commit", w.ShortCommit()),
		slog.String("author", w.Author),
		slog.Time("expires_at", w.ExpiresAt),
	)
	return w, nil
}

// CloseWatch resolves a watch manually.
func (s *IncidentService) CloseWatch(_ context.Context, id string) (models.DeploymentWatch, error) {
	if s.deps.Registry == nil {
		return models.DeploymentWatch{}, utils.NewAppError("close watch", "registry not configured", nil)
	}
	return s.deps.Registry.Close(id, models.OutcomeClosed)
}

// WatchStatus reports the current window for a repository and branch.
func (s *IncidentService) WatchStatus(repository, branch string) (models.WatchStatus, error) {
	if strings.TrimSpace(repository) == "" {
		return models.WatchStatus{}, fmt.Errorf("%w: missing repository", models.ErrInvalidEvent)
	}
	if branch == "" {
		branch = "main"
	}
	if s.deps.Registry == nil {
		return models.WatchStatus{}, utils.NewAppError("watch status", "registry not configured", nil)
	}
	return s.deps.Registry.Status(repository, branch, s.now()), nil
}

// RecentWatches returns watch history, preferring the sink over the in-process registry.
func (s *IncidentService) RecentWatches(ctx context.Context, limit int) ([]models.DeploymentWatch, error) {
	if limit <= 0 {
		limit = defaultWatchLimit
	}
	if s.deps.Sink != nil {
		return s.deps.Sink.ListRecentWatches(ctx, limit)
	}
	if s.deps.Registry == nil {
		return nil, nil
	}
	return s.deps.Registry.Recent(limit), nil
}

// Reports pages through report history.
func (s *IncidentService) Reports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error) {
	if s.deps.Sink == nil {
		return models.ListReportsResponse{}, utils.NewAppError("list reports", "report sink not configured", nil)
	}
	return s.deps.Sink.ListReports(ctx, req)
}

// Patterns returns recurring failure signatures, served from cache when fresh.
func (s *IncidentService) Patterns(ctx context.Context, service string, limit int) ([]models.FailurePattern, error) {
	if s.deps.Patterns != nil {
		cached, ok, err := s.deps.Patterns.Load(ctx, service)
		if err != nil {
			s.logger.Warn("pattern cache lookup failed", slog.Any("error", err))
		} else if ok {
			return truncatePatterns(cached, limit), nil
		}
	}
	if s.deps.Sink == nil || s.deps.Miner == nil {
		return nil, utils.NewAppError("patterns", "pattern mining not configured", nil)
	}
	reports, err := s.deps.Sink.ListRecentReports(ctx, patternWindow)
	if err != nil {
		return nil, utils.NewAppError("patterns", "list recent reports", err)
	}
	mined, err := s.deps.Miner.Mine(ctx, service, reports)
	if err != nil {
		return nil, err
	}
	return truncatePatterns(mined, limit), nil
}

func truncatePatterns(in []models.FailurePattern, limit int) []models.FailurePattern {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// IngestAgentLogs turns a container log chunk into an error event when the container's
// service is inside a deployment watch and the chunk looks like it carries an error.
func (s *IncidentService) IngestAgentLogs(ctx context.Context, chunk models.AgentLogChunk) (AgentLogResult, error) {
	service := ServiceFromContainer(chunk.ContainerName)
	if service == "" {
		return AgentLogResult{}, fmt.Errorf("%w: missing container_name", models.ErrInvalidEvent)
	}
	result := AgentLogResult{Service: service}
	if !s.deps.AgentTrigger {
		result.Reason = "agent trigger disabled"
		return result, nil
	}
	if s.deps.Lookup == nil {
		result.Reason = "no correlator"
		return result, nil
	}

	now := s.now()
	w, ok := s.deps.Lookup.Lookup(service, "", now)
	if !ok {
		result.Reason = "no active deployment watch"
		return result, nil
	}
	if !containsAny(strings.ToLower(chunk.Logs), agentErrorMarkers) {
		s.logger.Debug("agent logs look healthy", slog.String("service", service), slog.String("watch_id", w.ID))
		result.Reason = "no error markers"
		return result, nil
	}

	s.logger.Warn("error markers in agent logs during deployment watch",
		slog.String("service", service),
		slog.String("container_id", shortID(chunk.ContainerID)),
		slog.String("watch_id", w.ID),
	)
	ev := models.NewErrorEvent(service,
		fmt.Sprintf("Uncaught issue detected in deployment watch for %s", service),
		"", models.SplitLogs(chunk.Logs), now)
	ev.Environment = "production"
	ev.RepositoryHint = w.Repository

	report, _, err := s.Analyze(ctx, ev)
	if err != nil {
		return result, err
	}
	result.Triggered = true
	result.Reason = "error markers during deployment watch"
	result.Report = &report
	return result, nil
}

// ServiceFromContainer derives a service name from a container name such as "/shop-api-1".
func ServiceFromContainer(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if i := strings.LastIndexAny(name, "-_"); i > 0 && isDigits(name[i+1:]) {
		name = name[:i]
	}
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// IsNotFound reports whether err means the addressed watch does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, watch.ErrNotFound)
}

// LatencyP95 returns the current p95 pipeline latency.
func (s *IncidentService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
