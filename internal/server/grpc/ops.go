// Package grpcserver runs the operations gRPC endpoint: standard health
// checking for load balancers and admin-only server reflection.
package grpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/fan-ledger/internal/service"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "fanledger.Ledger"

// Ops is the operations gRPC server.
type Ops struct {
	gs     *grpc.Server
	health *health.Server
	check  func(ctx context.Context) error
	log    *zap.Logger
}

// NewOps builds the server. check reports whether the backing store is reachable.
func NewOps(log *zap.Logger, tokens service.TokenService, check func(ctx context.Context) error) *Ops {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(tokens)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log), AuthStream(tokens)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	o := &Ops{gs: gs, health: hs, check: check, log: log}
	o.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return o
}

func (o *Ops) set(st healthpb.HealthCheckResponse_ServingStatus) {
	o.health.SetServingStatus("", st)
	o.health.SetServingStatus(ServiceName, st)
}

// Probe runs the store check and publishes the result. It returns the check error.
func (o *Ops) Probe(ctx context.Context) error {
	if o.check != nil {
		if err := o.check(ctx); err != nil {
			o.log.Warn("health probe failed", zap.Error(err))
			o.set(healthpb.HealthCheckResponse_NOT_SERVING)
			return err
		}
	}
	o.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Serve accepts connections on lis until Stop.
func (o *Ops) Serve(lis net.Listener) error { return o.gs.Serve(lis) }

// Stop marks the service as shutting down and drains in-flight calls.
func (o *Ops) Stop() {
	o.health.Shutdown()
	o.gs.GracefulStop()
}
