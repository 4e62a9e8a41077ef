// Package rcav1 holds the rca.v1 DeployWatch service contract: request/response messages,
// the service descriptor and a JSON wire codec.
package rcav1

import (
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type ErrorEvent struct {
	Service     string                 `json:"service,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Stacktrace  string                 `json:"stacktrace,omitempty"`
	RecentLogs  []string               `json:"recent_logs,omitempty"`
	Timestamp   *timestamppb.Timestamp `json:"timestamp,omitempty"`
	RequestId   string                 `json:"request_id,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
	Method      string                 `json:"method,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Repository  string                 `json:"repository,omitempty"`
}

type AnalyzeErrorRequest struct {
	Event *ErrorEvent `json:"event,omitempty"`
}

func (x *AnalyzeErrorRequest) GetEvent() *ErrorEvent {
	if x != nil {
		return x.Event
	}
	return nil
}

type Evidence struct {
	Provider string               `json:"provider,omitempty"`
	Status   string               `json:"status,omitempty"`
	Kind     string               `json:"kind,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Duration *durationpb.Duration `json:"duration,omitempty"`
	Summary  string               `json:"summary,omitempty"`
}

type Report struct {
	Id                  string                 `json:"id,omitempty"`
	Service             string                 `json:"service,omitempty"`
	Error               string                 `json:"error,omitempty"`
	RequestId           string                 `json:"request_id,omitempty"`
	RootCause           string                 `json:"root_cause,omitempty"`
	Confidence          string                 `json:"confidence,omitempty"`
	Severity            string                 `json:"severity,omitempty"`
	ContributingFactors []string               `json:"contributing_factors,omitempty"`
	RecommendedActions  []string               `json:"recommended_actions,omitempty"`
	Evidence            []*Evidence            `json:"evidence,omitempty"`
	IsDeploymentRelated bool                   `json:"is_deployment_related,omitempty"`
	WatchId             string                 `json:"watch_id,omitempty"`
	Commit              string                 `json:"commit,omitempty"`
	Degraded            bool                   `json:"degraded,omitempty"`
	Escalation          string                 `json:"escalation,omitempty"`
	Duration            *durationpb.Duration   `json:"duration,omitempty"`
	CreatedAt           *timestamppb.Timestamp `json:"created_at,omitempty"`
}

type NotifyDeploymentRequest struct {
	Repository string               `json:"repository,omitempty"`
	Branch     string               `json:"branch,omitempty"`
	Commit     string               `json:"commit,omitempty"`
	Author     string               `json:"author,omitempty"`
	Message    string               `json:"message,omitempty"`
	Ttl        *durationpb.Duration `json:"ttl,omitempty"`
}

type Watch struct {
	Id               string                 `json:"id,omitempty"`
	Repository       string                 `json:"repository,omitempty"`
	Branch           string                 `json:"branch,omitempty"`
	Commit           string                 `json:"commit,omitempty"`
	Author           string                 `json:"author,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Status           string                 `json:"status,omitempty"`
	AttributedErrors int32                  `json:"attributed_errors,omitempty"`
	Outcome          string                 `json:"outcome,omitempty"`
	CreatedAt        *timestamppb.Timestamp `json:"created_at,omitempty"`
	ExpiresAt        *timestamppb.Timestamp `json:"expires_at,omitempty"`
	ClosedAt         *timestamppb.Timestamp `json:"closed_at,omitempty"`
}

type NotifyDeploymentResponse struct {
	Watch *Watch `json:"watch,omitempty"`
}

type GetWatchStatusRequest struct {
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

type WatchStatus struct {
	Repository string               `json:"repository,omitempty"`
	Branch     string               `json:"branch,omitempty"`
	State      string               `json:"state,omitempty"`
	Remaining  *durationpb.Duration `json:"remaining,omitempty"`
	Watch      *Watch               `json:"watch,omitempty"`
}

type ListReportsRequest struct {
	Service        string                 `json:"service,omitempty"`
	DeploymentOnly bool                   `json:"deployment_only,omitempty"`
	Since          *timestamppb.Timestamp `json:"since,omitempty"`
	PageSize       int32                  `json:"page_size,omitempty"`
	PageToken      string                 `json:"page_token,omitempty"`
}

func (x *ListReportsRequest) GetPageSize() int32 {
	if x != nil {
		return x.PageSize
	}
	return 0
}

type ListReportsResponse struct {
	Reports       []*Report `json:"reports,omitempty"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

type GetPatternsRequest struct {
	Service string `json:"service,omitempty"`
	Limit   int32  `json:"limit,omitempty"`
}

func (x *GetPatternsRequest) GetService() string {
	if x != nil {
		return x.Service
	}
	return ""
}

type Pattern struct {
	Id               string                 `json:"id,omitempty"`
	Service          string                 `json:"service,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
	Occurrences      int32                  `json:"occurrences,omitempty"`
	Prevalence       float64                `json:"prevalence,omitempty"`
	DeploymentLinked float64                `json:"deployment_linked,omitempty"`
	TopRootCauses    []string               `json:"top_root_causes,omitempty"`
	Commits          []string               `json:"commits,omitempty"`
	LastSeen         *timestamppb.Timestamp `json:"last_seen,omitempty"`
}

type GetPatternsResponse struct {
	Patterns []*Pattern `json:"patterns,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status      string `json:"status,omitempty"`
	ActiveWatch int32  `json:"active_watches,omitempty"`
}
