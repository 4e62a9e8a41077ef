package rcav1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "rca.v1.DeployWatch"

const (
	DeployWatch_AnalyzeError_FullMethodName     = "/rca.v1.DeployWatch/AnalyzeError"
	DeployWatch_NotifyDeployment_FullMethodName = "/rca.v1.DeployWatch/NotifyDeployment"
	DeployWatch_GetWatchStatus_FullMethodName   = "/rca.v1.DeployWatch/GetWatchStatus"
	DeployWatch_ListReports_FullMethodName      = "/rca.v1.DeployWatch/ListReports"
	DeployWatch_GetPatterns_FullMethodName      = "/rca.v1.DeployWatch/GetPatterns"
	DeployWatch_HealthCheck_FullMethodName      = "/rca.v1.DeployWatch/HealthCheck"
)

// DeployWatchServer is the server API for the DeployWatch service.
type DeployWatchServer interface {
	AnalyzeError(context.Context, *AnalyzeErrorRequest) (*Report, error)
	NotifyDeployment(context.Context, *NotifyDeploymentRequest) (*NotifyDeploymentResponse, error)
	GetWatchStatus(context.Context, *GetWatchStatusRequest) (*WatchStatus, error)
	ListReports(context.Context, *ListReportsRequest) (*ListReportsResponse, error)
	GetPatterns(context.Context, *GetPatternsRequest) (*GetPatternsResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

// UnimplementedDeployWatchServer can be embedded to keep forward compatibility.
type UnimplementedDeployWatchServer struct{}

func (UnimplementedDeployWatchServer) AnalyzeError(context.Context, *AnalyzeErrorRequest) (*Report, error) {
	return nil, status.Error(codes.Unimplemented, "method AnalyzeError not implemented")
}
func (UnimplementedDeployWatchServer) NotifyDeployment(context.Context, *NotifyDeploymentRequest) (*NotifyDeploymentResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NotifyDeployment not implemented")
}
func (UnimplementedDeployWatchServer) GetWatchStatus(context.Context, *GetWatchStatusRequest) (*WatchStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method GetWatchStatus not implemented")
}
func (UnimplementedDeployWatchServer) ListReports(context.Context, *ListReportsRequest) (*ListReportsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListReports not implemented")
}
func (UnimplementedDeployWatchServer) GetPatterns(context.Context, *GetPatternsRequest) (*GetPatternsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetPatterns not implemented")
}
func (UnimplementedDeployWatchServer) HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

func RegisterDeployWatchServer(s grpc.ServiceRegistrar, srv DeployWatchServer) {
	s.RegisterService(&DeployWatch_ServiceDesc, srv)
}

// unary adapts a typed method into the handler signature grpc.MethodDesc expects.
func unary[Req any, Resp any](fullMethod string, call func(DeployWatchServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DeployWatchServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DeployWatchServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// DeployWatch_ServiceDesc is the grpc.ServiceDesc for the DeployWatch service.
var DeployWatch_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeployWatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AnalyzeError", Handler: unary(DeployWatch_AnalyzeError_FullMethodName, DeployWatchServer.AnalyzeError)},
		{MethodName: "NotifyDeployment", Handler: unary(DeployWatch_NotifyDeployment_FullMethodName, DeployWatchServer.NotifyDeployment)},
		{MethodName: "GetWatchStatus", Handler: unary(DeployWatch_GetWatchStatus_FullMethodName, DeployWatchServer.GetWatchStatus)},
		{MethodName: "ListReports", Handler: unary(DeployWatch_ListReports_FullMethodName, DeployWatchServer.ListReports)},
		{MethodName: "GetPatterns", Handler: unary(DeployWatch_GetPatterns_FullMethodName, DeployWatchServer.GetPatterns)},
		{MethodName: "HealthCheck", Handler: unary(DeployWatch_HealthCheck_FullMethodName, DeployWatchServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rca/v1/deploywatch.proto",
}

// DeployWatchClient is the client API for the DeployWatch service.
type DeployWatchClient interface {
	AnalyzeError(ctx context.Context, in *AnalyzeErrorRequest, opts ...grpc.CallOption) (*Report, error)
	NotifyDeployment(ctx context.Context, in *NotifyDeploymentRequest, opts ...grpc.CallOption) (*NotifyDeploymentResponse, error)
	GetWatchStatus(ctx context.Context, in *GetWatchStatusRequest, opts ...grpc.CallOption) (*WatchStatus, error)
	ListReports(ctx context.Context, in *ListReportsRequest, opts ...grpc.CallOption) (*ListReportsResponse, error)
	GetPatterns(ctx context.Context, in *GetPatternsRequest, opts ...grpc.CallOption) (*GetPatternsResponse, error)
	HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type deployWatchClient struct {
	cc grpc.ClientConnInterface
}

// NewDeployWatchClient returns a client that always negotiates the JSON codec.
func NewDeployWatchClient(cc grpc.ClientConnInterface) DeployWatchClient {
	return &deployWatchClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *deployWatchClient) AnalyzeError(ctx context.Context, in *AnalyzeErrorRequest, opts ...grpc.CallOption) (*Report, error) {
	return invoke[Report](ctx, c.cc, DeployWatch_AnalyzeError_FullMethodName, in, opts)
}

func (c *deployWatchClient) NotifyDeployment(ctx context.Context, in *NotifyDeploymentRequest, opts ...grpc.CallOption) (*NotifyDeploymentResponse, error) {
	return invoke[NotifyDeploymentResponse](ctx, c.cc, DeployWatch_NotifyDeployment_FullMethodName, in, opts)
}

func (c *deployWatchClient) GetWatchStatus(ctx context.Context, in *GetWatchStatusRequest, opts ...grpc.CallOption) (*WatchStatus, error) {
	return invoke[WatchStatus](ctx, c.cc, DeployWatch_GetWatchStatus_FullMethodName, in, opts)
}

func (c *deployWatchClient) ListReports(ctx context.Context, in *ListReportsRequest, opts ...grpc.CallOption) (*ListReportsResponse, error) {
	return invoke[ListReportsResponse](ctx, c.cc, DeployWatch_ListReports_FullMethodName, in, opts)
}

func (c *deployWatchClient) GetPatterns(ctx context.Context, in *GetPatternsRequest, opts ...grpc.CallOption) (*GetPatternsResponse, error) {
	return invoke[GetPatternsResponse](ctx, c.cc, DeployWatch_GetPatterns_FullMethodName, in, opts)
}

func (c *deployWatchClient) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, DeployWatch_HealthCheck_FullMethodName, in, opts)
}
