// Package grpc exposes entity readiness over the standard gRPC health service.
package grpc

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/rowcache/internal/cache"
)

// ServicePrefix names the per-entity health services, e.g. "rowcache.entity/Country".
const ServicePrefix = "rowcache.entity/"

// ServiceName returns the health service name of an entity.
func ServiceName(entity string) string {
	return ServicePrefix + entity
}

// HealthReporter mirrors the manager's boot state into a gRPC health server.
// The overall service ("") is SERVING while the reporter runs. An entity is
// SERVING once its table is available and UNKNOWN before its first access.
type HealthReporter struct {
	manager *cache.Manager
	server  *health.Server
}

// NewHealthReporter creates a reporter over manager.
func NewHealthReporter(manager *cache.Manager) *HealthReporter {
	h := &HealthReporter{
		manager: manager,
		server:  health.NewServer(),
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// Server returns the underlying health server.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Register mounts the health service on s.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh publishes the current status of every registered entity.
func (h *HealthReporter) Refresh() {
	for _, e := range h.manager.Entities() {
		status := healthpb.HealthCheckResponse_UNKNOWN
		if _, ok := h.manager.Boot(e.Name); ok {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.server.SetServingStatus(ServiceName(e.Name), status)
	}
}

// Run refreshes on every boot state change and every interval until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sub := h.manager.Notifier().Subscribe()
	defer h.manager.Notifier().Unsubscribe(sub.ID)

	h.Refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Ch:
			h.Refresh()
		case <-ticker.C:
			h.Refresh()
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthReporter) Shutdown() {
	log.Printf("grpc: health reporting shut down")
	h.server.Shutdown()
}
