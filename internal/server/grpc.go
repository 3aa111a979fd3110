package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ingestion"
	"PredictCore/internal/observability"
	"PredictCore/internal/query"
	"PredictCore/internal/risk"
)

// MarketServicePrefix prefixes the per-market gRPC health service names,
// e.g. "predict.market.election-2028".
const MarketServicePrefix = "predict.market."

// MarketAdmin is the lifecycle surface of the orchestrator.
type MarketAdmin interface {
	CreateMarket(spec core.MarketSpec, now time.Time) error
	Halt(marketID, detail string, now time.Time) error
	Resume(marketID string, now time.Time) error
	Collapse(marketID string, winner int, now time.Time) (*event.MarketResolved, error)
	Breaker(marketID string) (risk.BreakerState, error)
	Markets() []string
}

// ServerDeps holds everything the gRPC server and HTTP gateway serve.
type ServerDeps struct {
	Intake        ingestion.Intake
	Admin         MarketAdmin
	Query         *query.QueryService
	HealthChecker *observability.HealthChecker
	Clock         func() time.Time
	Logger        zerolog.Logger
}

// GRPCServer wraps the gRPC server (health + reflection) and the
// grpc-gateway HTTP mux.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
	logger     zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		logger:     deps.Logger,
	}
}

// SyncMarketHealth publishes one health service per market: SERVING
// unless the market's breaker is tripped.
func (s *GRPCServer) SyncMarketHealth() {
	if s.deps.Admin == nil {
		return
	}
	for _, id := range s.deps.Admin.Markets() {
		b, err := s.deps.Admin.Breaker(id)
		if err != nil {
			continue
		}
		st := healthpb.HealthCheckResponse_SERVING
		if b.Phase == risk.PhaseTripped {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(MarketServicePrefix+id, st)
	}
}

// RunHealthSync refreshes market health every interval until ctx is done.
func (s *GRPCServer) RunHealthSync(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.SyncMarketHealth()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API and health probes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := NewGatewayMux(s.deps)
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
