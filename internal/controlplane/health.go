// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package controlplane

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService exposes the supervisor's worker-liveness state over the
// standard gRPC health-checking protocol, modeled directly on the teacher's
// hand-implemented grpc_health_v1.HealthServer (rather than pulling in the
// grpc/health helper package, to match that shape).
type HealthService struct {
	grpc_health_v1.UnimplementedHealthServer
	sup *Supervisor
}

// NewHealthService returns a HealthService reporting sup's worker-liveness.
func NewHealthService(sup *Supervisor) *HealthService {
	return &HealthService{sup: sup}
}

// Register attaches the health service to srv.
func (h *HealthService) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, h)
}

func (h *HealthService) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	if h.sup.IsRunning() {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// Check implements [grpc_health_v1.HealthServer].
func (h *HealthService) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status()}, nil
}

// Watch implements [grpc_health_v1.HealthServer]. This deployment has no
// push-based watchers yet; one-shot Check is sufficient for the control
// plane's own supervision loop.
func (h *HealthService) Watch(_ *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status()})
}
