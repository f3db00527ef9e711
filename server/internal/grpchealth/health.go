// Package grpchealth exposes the readiness gate through the standard gRPC
// health protocol.
//
// The overall service ("") reports NOT_SERVING until the gate is Ready and
// stays NOT_SERVING if initialization fails. The "liveness" service reports
// SERVING for as long as the process runs.
package grpchealth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meartlab/meart/server/internal/readiness"
)

// LivenessService is the service name answering liveness checks.
const LivenessService = "liveness"

// Server mirrors a readiness gate into a gRPC health server.
type Server struct {
	gate *readiness.Gate
	hs   *health.Server
}

// New returns a Server with liveness SERVING and readiness NOT_SERVING.
func New(gate *readiness.Gate) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(LivenessService, healthpb.HealthCheckResponse_SERVING)
	return &Server{gate: gate, hs: hs}
}

// Register adds the health service to g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.hs)
}

// Run waits for the gate to settle and publishes the result. When ctx is
// cancelled every service is marked NOT_SERVING so clients drain before the
// listener closes.
func (s *Server) Run(ctx context.Context) {
	select {
	case <-s.gate.Done():
		if s.gate.IsReady() {
			s.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			slog.Info("grpchealth: serving")
		} else {
			slog.Warn("grpchealth: gate failed, staying not serving", "err", s.gate.Err())
		}
	case <-ctx.Done():
	}
	<-ctx.Done()
	s.hs.Shutdown()
}
