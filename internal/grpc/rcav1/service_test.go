package rcav1

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type stubServer struct {
	UnimplementedDeployWatchServer
	seen *AnalyzeErrorRequest
}

func (s *stubServer) AnalyzeError(_ context.Context, req *AnalyzeErrorRequest) (*Report, error) {
	s.seen = req
	if req.GetEvent() == nil {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}
	return &Report{Id: "rca-1", Service: req.Event.Service, Duration: durationpb.New(time.Second)}, nil
}

func dial(t *testing.T, srv DeployWatchServer) DeployWatchClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterDeployWatchServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewDeployWatchClient(conn)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	stub := &stubServer{}
	client := dial(t, stub)
	ts := time.Date(2024, 12, 22, 10, 0, 0, 0, time.UTC)

	resp, err := client.AnalyzeError(context.Background(), &AnalyzeErrorRequest{Event: &ErrorEvent{
		Service:   "checkout",
		Error:     "boom",
		Timestamp: timestamppb.New(ts),
	}})
	require.NoError(t, err)
	assert.Equal(t, "rca-1", resp.Id)
	assert.Equal(t, "checkout", resp.Service)
	assert.Equal(t, time.Second, resp.Duration.AsDuration())
	require.NotNil(t, stub.seen)
	assert.True(t, stub.seen.Event.Timestamp.AsTime().Equal(ts))
}

func TestUnimplementedAndErrors(t *testing.T) {
	client := dial(t, &stubServer{})

	_, err := client.AnalyzeError(context.Background(), &AnalyzeErrorRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetPatterns(context.Background(), &GetPatternsRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
