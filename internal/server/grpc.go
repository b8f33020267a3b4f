package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"FolioLedger/internal/observability"
	"FolioLedger/internal/xerrors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	_ "FolioLedger/internal/rpc" // registers the json codec
)

// Server exposes LedgerService over gRPC and HTTP/JSON.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// Options configures NewServer. Metrics and HealthChecker may be nil.
type Options struct {
	GRPCAddr      string
	HTTPAddr      string
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewServer registers svc on a new gRPC server and builds the HTTP routes
// over the same handlers.
func NewServer(svc LedgerServer, opts Options) *Server {
	s := &Server{
		grpcAddr:      opts.GRPCAddr,
		httpAddr:      opts.HTTPAddr,
		healthChecker: opts.HealthChecker,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary, errorUnary, actorUnary))
	s.grpcServer.RegisterService(&ServiceDesc, svc)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.httpHandler(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// StartHTTP serves the JSON routes and health endpoints until ctx is done.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ============================================================================
// Interceptors
// ============================================================================

func (s *Server) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := methodName(info.FullMethod)
	code := status.Code(err)

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(method, code.String()).Inc()
		s.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if code == codes.Internal || code == codes.Unknown {
		s.logger.Error().Str("method", method).Err(err).Msg("request failed")
	}
	return resp, err
}

// actorUnary attaches the caller from x-user-id / x-user-role metadata.
func actorUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	actor, ok, err := parseActor(first(md, HeaderUserID), first(md, HeaderUserRole), first(md, HeaderFeatures))
	if err != nil {
		return nil, err
	}
	if ok {
		ctx = withActor(ctx, actor)
	}
	return handler(ctx, req)
}

// errorUnary maps domain errors to gRPC status codes.
func errorUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, xerrors.ToStatus(err)
	}
	return resp, nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
