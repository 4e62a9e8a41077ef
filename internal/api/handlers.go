package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// FromProtoErrorEvent maps the gRPC event into a validated domain event.
func FromProtoErrorEvent(req *rcav1.AnalyzeErrorRequest) (models.ErrorEvent, error) {
	in := req.GetEvent()
	if in == nil {
		return models.ErrorEvent{}, fmt.Errorf("%w: event is required", models.ErrInvalidEvent)
	}
	var ts time.Time
	if in.Timestamp != nil {
		ts = in.Timestamp.AsTime()
	}
	ev := models.NewErrorEvent(in.Service, in.Error, in.Stacktrace, in.RecentLogs, ts)
	ev.RequestID = in.RequestId
	ev.Endpoint = in.Endpoint
	ev.Method = in.Method
	ev.Environment = in.Environment
	ev.RepositoryHint = in.Repository
	if err := ev.Validate(); err != nil {
		return models.ErrorEvent{}, err
	}
	return ev, nil
}

// ToProtoReport converts a report into the gRPC representation.
func ToProtoReport(r models.RCAReport, action models.EscalationAction) *rcav1.Report {
	out := &rcav1.Report{
		Id:                  r.ID,
		Service:             r.Service,
		Error:               r.Error,
		RequestId:           r.RequestID,
		RootCause:           r.RootCause,
		Confidence:          string(r.Confidence),
		Severity:            string(r.Severity),
		ContributingFactors: append([]string(nil), r.ContributingFactors...),
		RecommendedActions:  append([]string(nil), r.RecommendedActions...),
		IsDeploymentRelated: r.IsDeploymentRelated,
		WatchId:             r.WatchID,
		Commit:              r.Commit,
		Degraded:            r.Degraded,
		Escalation:          string(action),
		Duration:            durationpb.New(r.Duration),
		CreatedAt:           optionalTime(r.CreatedAt),
	}
	for _, name := range r.Evidence.Providers() {
		ev := r.Evidence[name]
		out.Evidence = append(out.Evidence, &rcav1.Evidence{
			Provider: string(name),
			Status:   string(ev.Status),
			Kind:     string(ev.Kind),
			Reason:   ev.Reason,
			Duration: durationpb.New(ev.Duration),
			Summary:  SummarizeEvidence(ev),
		})
	}
	return out
}

// SummarizeEvidence renders a one-line description of a successful provider payload.
func SummarizeEvidence(ev models.Evidence) string {
	if !ev.OK() {
		return ""
	}
	switch {
	case ev.Logs != nil:
		return fmt.Sprintf("%d error lines, %d stack traces, severity hint %s",
			ev.Logs.ErrorCount, len(ev.Logs.StackTraces), ev.Logs.SeverityHint)
	case ev.Commit != nil:
		sha := ev.Commit.SHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		return fmt.Sprintf("%s: %d files, +%d/-%d", sha, len(ev.Commit.Files), ev.Commit.Additions, ev.Commit.Deletions)
	case len(ev.Runbooks) > 0:
		return fmt.Sprintf("%d runbook matches, best %q", len(ev.Runbooks), ev.Runbooks[0].Title)
	default:
		return "no findings"
	}
}

// FromProtoNotification maps a deployment notification and validates it.
func FromProtoNotification(req *rcav1.NotifyDeploymentRequest) (models.DeploymentNotification, error) {
	if req == nil {
		return models.DeploymentNotification{}, fmt.Errorf("%w: request is nil", models.ErrInvalidEvent)
	}
	n := models.DeploymentNotification{
		Repository: req.Repository,
		Branch:     req.Branch,
		Commit:     req.Commit,
		Author:     req.Author,
		Message:    req.Message,
	}
	if req.Ttl != nil {
		n.TTL = req.Ttl.AsDuration()
	}
	if err := n.Validate(); err != nil {
		return models.DeploymentNotification{}, err
	}
	return n, nil
}

// ToProtoWatch converts a deployment watch.
func ToProtoWatch(w models.DeploymentWatch) *rcav1.Watch {
	return &rcav1.Watch{
		Id:               w.ID,
		Repository:       w.Repository,
		Branch:           w.Branch,
		Commit:           w.Commit,
		Author:           w.Author,
		Message:          w.Message,
		Status:           string(w.Status),
		AttributedErrors: int32(w.AttributedErrors),
		Outcome:          w.Outcome,
		CreatedAt:        optionalTime(w.CreatedAt),
		ExpiresAt:        optionalTime(w.ExpiresAt),
		ClosedAt:         optionalTime(w.ClosedAt),
	}
}

// ToProtoWatchStatus converts the watch read model.
func ToProtoWatchStatus(st models.WatchStatus) *rcav1.WatchStatus {
	out := &rcav1.WatchStatus{
		Repository: st.Repository,
		Branch:     st.Branch,
		State:      st.State,
		Remaining:  durationpb.New(st.Remaining),
	}
	if st.Watch != nil {
		out.Watch = ToProtoWatch(*st.Watch)
	}
	return out
}

// FromProtoListReportsRequest maps the proto request into a domain request.
func FromProtoListReportsRequest(req *rcav1.ListReportsRequest) (models.ListReportsRequest, error) {
	if req == nil {
		return models.ListReportsRequest{}, fmt.Errorf("request is nil")
	}
	if req.GetPageSize() < 0 {
		return models.ListReportsRequest{}, fmt.Errorf("page_size must not be negative")
	}
	out := models.ListReportsRequest{
		Service:        req.Service,
		DeploymentOnly: req.DeploymentOnly,
		PageSize:       int(req.PageSize),
		PageToken:      req.PageToken,
	}
	if req.Since != nil {
		out.Since = req.Since.AsTime()
	}
	return out, nil
}

// ToProtoListReportsResponse converts a domain list response into the proto shape.
func ToProtoListReportsResponse(resp models.ListReportsResponse) *rcav1.ListReportsResponse {
	out := &rcav1.ListReportsResponse{NextPageToken: resp.NextPageToken}
	for _, r := range resp.Reports {
		out.Reports = append(out.Reports, ToProtoReport(r, ""))
	}
	return out
}

// ToProtoPatternsResponse maps failure patterns into the proto response.
func ToProtoPatternsResponse(patterns []models.FailurePattern) *rcav1.GetPatternsResponse {
	resp := &rcav1.GetPatternsResponse{}
	for _, p := range patterns {
		resp.Patterns = append(resp.Patterns, &rcav1.Pattern{
			Id:               p.ID,
			Service:          p.Service,
			Signature:        p.Signature,
			Occurrences:      int32(p.Occurrences),
			Prevalence:       p.Prevalence,
			DeploymentLinked: p.DeploymentLinked,
			TopRootCauses:    append([]string(nil), p.TopRootCauses...),
			Commits:          append([]string(nil), p.Commits...),
			LastSeen:         optionalTime(p.LastSeen),
		})
	}
	return resp
}

func optionalTime(t time.Time) *timestamppb.Timestamp {
	if t.IsZero() {
		return nil
	}
	return timestamppb.New(t)
}
