package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/deploywatch-rca/internal/api"
	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

// AnalyzeError runs the pipeline for one error event.
func (s *IncidentService) AnalyzeError(ctx context.Context, req *rcav1.AnalyzeErrorRequest) (*rcav1.Report, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	ev, err := api.FromProtoErrorEvent(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	report, action, err := s.Analyze(ctx, ev)
	if err != nil {
		return nil, s.rpcError("analyze error", err)
	}
	return api.ToProtoReport(report, action), nil
}

// NotifyDeployment opens a deployment watch.
func (s *IncidentService) NotifyDeployment(ctx context.Context, req *rcav1.NotifyDeploymentRequest) (*rcav1.NotifyDeploymentResponse, error) {
	n, err := api.FromProtoNotification(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	w, err := s.OpenWatch(ctx, n)
	if err != nil {
		return nil, s.rpcError("notify deployment", err)
	}
	return &rcav1.NotifyDeploymentResponse{Watch: api.ToProtoWatch(w)}, nil
}

// GetWatchStatus reports the current window for a repository and branch.
func (s *IncidentService) GetWatchStatus(ctx context.Context, req *rcav1.GetWatchStatusRequest) (*rcav1.WatchStatus, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	st, err := s.WatchStatus(req.Repository, req.Branch)
	if err != nil {
		return nil, s.rpcError("watch status", err)
	}
	return api.ToProtoWatchStatus(st), nil
}

// ListReports returns report history.
func (s *IncidentService) ListReports(ctx context.Context, req *rcav1.ListReportsRequest) (*rcav1.ListReportsResponse, error) {
	domainReq, err := api.FromProtoListReportsRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.Reports(ctx, domainReq)
	if err != nil {
		return nil, s.rpcError("list reports", err)
	}
	return api.ToProtoListReportsResponse(resp), nil
}

// GetPatterns returns recurring failure patterns.
func (s *IncidentService) GetPatterns(ctx context.Context, req *rcav1.GetPatternsRequest) (*rcav1.GetPatternsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	found, err := s.Patterns(ctx, req.GetService(), int(req.Limit))
	if err != nil {
		return nil, s.rpcError("get patterns", err)
	}
	return api.ToProtoPatternsResponse(found), nil
}

// HealthCheck returns the current health state.
func (s *IncidentService) HealthCheck(ctx context.Context, _ *rcav1.HealthRequest) (*rcav1.HealthResponse, error) {
	resp := &rcav1.HealthResponse{Status: "SERVING"}
	if s.deps.Registry != nil {
		for _, w := range s.deps.Registry.Recent(0) {
			if w.Status == models.WatchWatching {
				resp.ActiveWatch++
			}
		}
	}
	return resp, nil
}

func (s *IncidentService) rpcError(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		return status.Error(codes.InvalidArgument, err.Error())
	case IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case utils.IsNotConfigured(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Error(op+" failed", slog.Any("error", err))
	return status.Error(codes.Internal, op+" failed")
}
