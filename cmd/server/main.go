package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/broadcaster"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/browser"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/config"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/httpapi"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/logger"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/registry"
)

var (
	httpAddr      = flag.String("http", "", "HTTP server address (overrides config default)")
	metricsAddr   = flag.String("metrics", "", "Metrics server address (overrides config default)")
	pprofAddr     = flag.String("pprof", ":6060", "pprof server address")
	browserCDPURL = flag.String("browser-cdp-url", "", "Chrome DevTools Protocol browser endpoint (overrides config default)")
	idleTTL       = flag.Duration("idle-ttl", 0, "Idle device eviction TTL (overrides config default)")
	logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
)

// Server owns every long-lived resource of the device-bridge streaming
// server: the browser controller, broadcaster, device registry, and the
// two HTTP listeners (device traffic, metrics).
type Server struct {
	cfg config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ctrl  browser.Controller
	bcast *broadcaster.Broadcaster
	reg   *registry.Registry
	m     *metrics.Metrics

	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	applyFlagOverrides(&cfg)

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "device bridge streaming server starting")
	logger.Info("Main", "log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "error during shutdown: %v", err)
	}
	logger.Info("Main", "server stopped")
}

func applyFlagOverrides(cfg *config.Config) {
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *browserCDPURL != "" {
		cfg.BrowserCDPURL = *browserCDPURL
	}
	if *idleTTL != 0 {
		cfg.IdleTTL = *idleTTL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cfg.LogColor = *logColor
	if env := config.ReducedMotionFromEnv(); env {
		cfg.PrefersReducedMotion = true
	}
}

// NewServer dials the browser control endpoint and wires the
// broadcaster, registry, and HTTP surface together. It does not start
// listening; call Start for that.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	ctrl, err := browser.Dial(dialCtx, cfg.BrowserCDPURL)
	dialCancel()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("main: dial browser: %w", err)
	}

	bcast := broadcaster.New(m)
	reg := registry.New(ctrl, bcast, m, cfg.PrefersReducedMotion)

	api := httpapi.New(reg, cfg)
	deviceMux := http.NewServeMux()
	deviceMux.Handle("/", api.Handler())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())

	return &Server{
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		ctrl:          ctrl,
		bcast:         bcast,
		reg:           reg,
		m:             m,
		httpServer:    &http.Server{Addr: cfg.HTTPAddr, Handler: deviceMux},
		metricsServer: &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux},
	}, nil
}

// Start launches the HTTP listeners, the pprof debug listener, and the
// idle-sweep ticker.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("Main", "device HTTP server listening on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "device HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("Main", "metrics server listening on %s", s.cfg.MetricsAddr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "metrics server error: %v", err)
		}
	}()

	// The pprof debug listener has no graceful-shutdown hook (it serves
	// off http.DefaultServeMux via net/http/pprof's side-effect import),
	// so it is deliberately not tracked by wg: Shutdown must not wait on
	// it.
	go func() {
		logger.Info("Main", "pprof debug server listening on %s", *pprofAddr)
		if err := http.ListenAndServe(*pprofAddr, nil); err != nil { //nolint:gosec // debug-only
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.idleSweepLoop()

	return nil
}

// idleSweepLoop periodically evicts idle device sessions (§4.5). The
// registry itself guards against overlapping runs, so this ticker is
// free to fire even if a prior sweep is still in progress.
func (s *Server) idleSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reg.CleanupIdle(s.ctx, s.cfg.IdleTTL)
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown gracefully stops the HTTP listeners, destroys every device
// session, and closes the browser control connection.
func (s *Server) Shutdown() error {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("device HTTP server shutdown: %w", err))
	}
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}

	s.reg.Shutdown(shutdownCtx)

	if err := s.ctrl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser controller close: %w", err))
	}

	s.wg.Wait()
	return errors.Join(errs...)
}
