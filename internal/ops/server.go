// Package ops serves the operational surface of a node: liveness and
// readiness probes, Prometheus metrics, a JSON status document, optional
// pprof, and the grpc.health.v1 service.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "cronguard/internal/runtime/supervisor"
	logx "cronguard/pkg/logx"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config controls the ops listeners.
//
// Security:
//   - Prefer binding to localhost.
//   - A non-loopback Addr requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	// GRPCAddr enables the health service when set.
	GRPCAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	cfg     Config
	log     logx.Logger
	metrics http.Handler
	status  func() any

	ready  atomic.Bool
	health *health.Server

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	grpcLn net.Listener
	grpc   *grpc.Server
	sup    *rtsup.Supervisor
}

type Option func(*Service)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Service) { s.metrics = h } }

// WithStatus sets the producer of the /status document. It must return a
// JSON-encodable value.
func WithStatus(fn func() any) Option { return func(s *Service) { s.status = fn } }

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "ops")),
		health: health.NewServer(),
	}
	for _, o := range opts {
		o(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Supervisor returns the serve loops' supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// SetReady flips /readyz and the gRPC health status.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

func (s *Service) Ready() bool { return s.ready.Load() }

// Start binds the listeners and serves them in the background. Bind errors
// are returned; the insecure-bind check happens before any listener opens.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return errors.New("ops: addr required")
	}
	if !isLoopbackAddr(addr) && s.cfg.Token == "" {
		if !s.cfg.AllowInsecure {
			return fmt.Errorf("ops refused to start: non-loopback addr %q requires token or allow_insecure", addr)
		}
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	var grpcLn net.Listener
	if g := strings.TrimSpace(s.cfg.GRPCAddr); g != "" {
		grpcLn, err = net.Listen("tcp", g)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("ops grpc listen %s: %w", g, err)
		}
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	// ops is observability; a failed listener never takes the node down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	srv := s.srv
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("ops started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)

	if grpcLn != nil {
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, s.health)
		s.grpc, s.grpcLn = gs, grpcLn
		s.sup.Go("grpc.serve", func(context.Context) error {
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		s.log.Info("grpc health started", logx.String("addr", grpcLn.Addr().String()))
	}
	return nil
}

// Addr reports the bound HTTP address, empty when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// GRPCAddr reports the bound gRPC address, empty when not running.
func (s *Service) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// Stop reports NOT_SERVING, then shuts both servers down within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.SetReady(false)
	s.health.Shutdown()

	s.mu.Lock()
	srv, gs, sup := s.srv, s.grpc, s.sup
	s.srv, s.grpc, s.sup, s.ln, s.grpcLn = nil, nil, nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if gs != nil {
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			gs.Stop()
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("ops shutdown", logx.Err(err))
		_ = srv.Close()
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("ops serve loops did not exit", logx.Err(err))
	}
	s.log.Info("ops stopped")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
