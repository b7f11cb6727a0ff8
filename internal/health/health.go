// Package health checks the service's dependencies and exposes the result
// over the standard gRPC health protocol.
package health

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "echo.briefing"

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type check struct {
	name   string
	pinger Pinger
}

// Checker probes a fixed set of dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

// NewChecker creates a checker whose probes share timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Add registers a dependency under name.
func (c *Checker) Add(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, pinger: p})
}

// Check probes every dependency. It returns "ok" or "unreachable" per name
// and whether all of them answered.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	c.mu.RLock()
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := map[string]string{"api": "ok"}
	healthy := true
	for _, chk := range checks {
		if err := chk.pinger.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", chk.name, "error", err)
			results[chk.name] = "unreachable"
			healthy = false
			continue
		}
		results[chk.name] = "ok"
	}
	return results, healthy
}

// GRPCServer serves grpc.health.v1 with a status that follows the Checker.
type GRPCServer struct {
	srv     *grpc.Server
	health  *grpchealth.Server
	checker *Checker
	logger  *slog.Logger
}

// NewGRPCServer creates the server. Status starts as NOT_SERVING until the
// first Refresh.
func NewGRPCServer(checker *Checker, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	s := &GRPCServer{srv: srv, health: hs, checker: checker, logger: logger}
	s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Refresh runs the checker once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	_, ok := s.checker.Check(ctx)
	if ok {
		s.set(grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Watch refreshes the status every interval until ctx is cancelled.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and drains connections.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
	s.logger.Info("gRPC health server stopped")
}

func (s *GRPCServer) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
