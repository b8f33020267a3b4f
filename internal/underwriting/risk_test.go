package underwriting_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"FolioLedger/internal/underwriting"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type riskService interface {
	Score(ctx context.Context, req *underwriting.ScoreRequest) (*underwriting.ScoreResponse, error)
}

type riskServer struct {
	calls atomic.Int32
	score func(a underwriting.Applicant) (float64, error)
}

func (s *riskServer) Score(_ context.Context, req *underwriting.ScoreRequest) (*underwriting.ScoreResponse, error) {
	s.calls.Add(1)
	v, err := s.score(req.Applicant)
	if err != nil {
		return nil, err
	}
	return &underwriting.ScoreResponse{RiskPercent: v}, nil
}

var riskServiceDesc = grpc.ServiceDesc{
	ServiceName: "risk.v1.RiskService",
	HandlerType: (*riskService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Score",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			var req underwriting.ScoreRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			return srv.(riskService).Score(ctx, &req)
		},
	}},
}

func startRiskServer(t *testing.T, impl *riskServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&riskServiceDesc, impl)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCRiskScorer_Score(t *testing.T) {
	impl := &riskServer{score: func(a underwriting.Applicant) (float64, error) {
		if a.Smoker {
			return 75, nil
		}
		return float64(a.Age) / 2, nil
	}}
	scorer := underwriting.NewGRPCRiskScorer(startRiskServer(t, impl), nil, zerolog.Nop())

	got, err := scorer.Score(context.Background(), applicant())
	require.NoError(t, err)
	assert.Equal(t, 17.0, got)

	smoker := applicant()
	smoker.Smoker = true
	smoker.CigarettesPerDay = 10
	got, err = scorer.Score(context.Background(), smoker)
	require.NoError(t, err)
	assert.Equal(t, 75.0, got)
}

func TestGRPCRiskScorer_OutOfRange(t *testing.T) {
	impl := &riskServer{score: func(underwriting.Applicant) (float64, error) { return 101, nil }}
	scorer := underwriting.NewGRPCRiskScorer(startRiskServer(t, impl), nil, zerolog.Nop())

	_, err := scorer.Score(context.Background(), applicant())
	assert.True(t, errors.Is(err, underwriting.ErrScoreOutOfRange), "got %v", err)
}

func TestGRPCRiskScorer_BreakerOpensAfterFailures(t *testing.T) {
	impl := &riskServer{score: func(underwriting.Applicant) (float64, error) {
		return 0, status.Error(codes.Unavailable, "model offline")
	}}
	scorer := underwriting.NewGRPCRiskScorer(startRiskServer(t, impl), nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := scorer.Score(context.Background(), applicant())
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
	}
	assert.Equal(t, gobreaker.StateOpen, scorer.BreakerState())

	_, err := scorer.Score(context.Background(), applicant())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "got %v", err)
	assert.Equal(t, int32(5), impl.calls.Load(), "open breaker must not reach the server")
}
