package statusapi

import (
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported through the gRPC health service. A load
// balancer or orchestrator can watch these independently of overall
// process liveness.
const (
	ServiceConsensus = "bftnode.consensus"
	ServiceSync      = "bftnode.sync"
)

// GRPCServer exposes node health over the standard gRPC health
// checking protocol, keyed per subsystem so an operator can tell a
// node that is up but still catching up (ServiceSync == NOT_SERVING)
// from one fully caught up and voting.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCServer builds a gRPC server exposing the health service.
func NewGRPCServer() *GRPCServer {
	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	hs.SetServingStatus(ServiceConsensus, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceSync, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{server: s, health: hs}
}

// SetConsensusServing flags the consensus subsystem serving state.
func (s *GRPCServer) SetConsensusServing(serving bool) {
	s.setStatus(ServiceConsensus, serving)
}

// SetSyncServing flags the block-sync subsystem serving state.
func (s *GRPCServer) SetSyncServing(serving bool) {
	s.setStatus(ServiceSync, serving)
}

func (s *GRPCServer) setStatus(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Start begins serving on addr. Blocks until Stop or the listener fails.
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("status gRPC server starting on %s", addr)
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.server.GracefulStop()
	return nil
}
