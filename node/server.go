//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fzft/go-amted/config"
	"github.com/fzft/go-amted/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg      *config.Config
	fs       afero.Fs
	registry *prometheus.Registry
	metrics  *Metrics

	mu    sync.Mutex
	addr  string
	ready chan struct{}
}

func NewServer(cfg *config.Config) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		registry: registry,
		metrics:  NewMetrics(registry),
		ready:    make(chan struct{}),
	}
}

// SetFs replaces the filesystem workers read from. Must be called before Run.
func (s *Server) SetFs(fs afero.Fs) {
	s.fs = fs
}

// Registry exposes the Prometheus registry the server records into.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address, empty before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run binds, serves until ctx is cancelled, drains and returns. Setup
// failures are returned wrapped in ErrSetup.
func (s *Server) Run(ctx context.Context) error {
	ep, err := Bind(s.cfg.Address, s.cfg.Port)
	if err != nil {
		log.Logger.Error("listen error", zap.Error(err))
		return err
	}

	reactor, err := NewReactor(ep, s.fs, s.pollConfig(), s.poolConfig(), s.metrics)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = reactor.Addr()
	s.mu.Unlock()
	close(s.ready)

	log.Logger.Info("listening on", zap.String("addr", reactor.Addr()),
		zap.Int("workers", s.cfg.Workers), zap.Int("queue_size", s.cfg.QueueSize))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return reactor.Run(gctx)
	})

	if s.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Logger.Info("metrics listening on", zap.String("addr", s.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Logger.Info("shutting down server")
	return err
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) pollConfig() PollConfig {
	return PollConfig{
		MaxEvents:      s.cfg.MaxEvents,
		ReadBufferSize: s.cfg.ReadBufferSize,
		MaxBacklog:     s.cfg.MaxBacklog,
		DrainTimeout:   s.cfg.DrainTimeout,
		AcceptRate:     s.cfg.AcceptRate,
		AcceptBurst:    s.cfg.AcceptBurst,
	}
}

func (s *Server) poolConfig() PoolConfig {
	return PoolConfig{
		Workers:     s.cfg.Workers,
		QueueSize:   s.cfg.QueueSize,
		MaxFileSize: s.cfg.MaxFileSize,
	}
}
