// Package grpcapi exposes the standard gRPC health service so orchestrators
// can probe the server without going through HTTP.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// ServiceName is the health service name reported alongside the overall ("")
// status.
const ServiceName = "claviger.v1.Custody"

type Server struct {
	logger   *slog.Logger
	addr     string
	grpc     *grpc.Server
	health   *health.Server
	reporter *HealthReporter
}

// NewServer builds a gRPC server with the health service registered and a
// reporter probing p every interval.
func NewServer(addr string, p store.Pinger, interval time.Duration, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "grpc"))

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		logger:   logger,
		addr:     addr,
		grpc:     gs,
		health:   hs,
		reporter: NewHealthReporter(hs, p, interval, logger),
	}
}

// Serve starts the reporter and blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.reporter.Start()
	s.logger.Info("grpc listening", slog.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Shutdown marks every service NOT_SERVING and drains in-flight RPCs until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.reporter.Stop()
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// HealthReporter keeps the health status in line with store reachability.
type HealthReporter struct {
	hs       *health.Server
	pinger   store.Pinger
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	serving bool
	known   bool
}

func NewHealthReporter(hs *health.Server, p store.Pinger, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthReporter{
		hs:       hs,
		pinger:   p,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (r *HealthReporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *HealthReporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *HealthReporter) loop() {
	defer r.wg.Done()

	r.Probe(context.Background())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Probe(context.Background())
		}
	}
}

// Probe pings the store once and publishes the result.
func (r *HealthReporter) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.pinger.Ping(ctx)
	serving := err == nil

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.hs.SetServingStatus("", status)
	r.hs.SetServingStatus(ServiceName, status)

	r.mu.Lock()
	changed := !r.known || r.serving != serving
	r.serving, r.known = serving, true
	r.mu.Unlock()

	if changed {
		if serving {
			r.logger.Info("store reachable; health SERVING")
		} else {
			r.logger.Warn("store unreachable; health NOT_SERVING", slog.String("error", err.Error()))
		}
	}
	return serving
}
