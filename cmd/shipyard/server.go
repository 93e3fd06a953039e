package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	coreproxy "github.com/artpar/shipyard/internal/core/proxy"
	"github.com/artpar/shipyard/internal/shell/apps"
	"github.com/artpar/shipyard/internal/shell/backup"
	"github.com/artpar/shipyard/internal/shell/certs"
	"github.com/artpar/shipyard/internal/shell/docker"
	"github.com/artpar/shipyard/internal/shell/journal"
	"github.com/artpar/shipyard/internal/shell/ports"
	"github.com/artpar/shipyard/internal/shell/proxy"
	"github.com/artpar/shipyard/internal/shell/rpc"
	"github.com/artpar/shipyard/internal/shell/store"
	"github.com/artpar/shipyard/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitRegistryError   = 5
	ExitRecoveryError   = 6
)

// =============================================================================
// Server
// =============================================================================

// Server owns every long-lived component of a shipyard process.
type Server struct {
	config      *Config
	store       store.Store
	docker      *docker.DockerClient
	proxy       *proxy.Server
	control     *rpc.Server
	monitor     *workers.Monitor
	certManager *certs.Manager
	logger      *slog.Logger

	httpServer  *http.Server
	proxyServer *http.Server
}

// NewServer connects the store and Docker, restores the journal, recovers
// instances from the current snapshot and builds the method registry.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	jr, err := journal.Open(ctx, st, logger)
	if err != nil {
		st.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	dc, err := docker.NewDockerClient(ctx, cfg.Docker.Host)
	if err != nil {
		st.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}
	if err := dc.Ping(ctx); err != nil {
		st.Close()
		dc.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}
	engine := docker.NewEngine(dc, logger, cfg.Deploy.StopTimeout)

	closeAll := func() {
		dc.Close()
		st.Close()
	}

	allocator, err := ports.NewAllocator(ports.Config{
		HostIP: cfg.Ports.HostIP,
		Range:  coreproxy.PortRange{Start: cfg.Ports.RangeStart, End: cfg.Ports.RangeEnd},
	}, logger)
	if err != nil {
		closeAll()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	// The route table always exists; the listener is optional.
	router, err := proxy.NewServer(proxy.Config{
		Address:      cfg.Proxy.Address(),
		ReadTimeout:  cfg.Proxy.ReadTimeout,
		WriteTimeout: cfg.Proxy.WriteTimeout,
		IdleTimeout:  cfg.Proxy.IdleTimeout,
	}, logger)
	if err != nil {
		closeAll()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	var issuer certs.Issuer = certs.Noop{}
	var certManager *certs.Manager
	if cfg.Certs.Enabled {
		certManager = certs.NewManager(certs.Config{
			Email:        cfg.Certs.Email,
			CacheDir:     cfg.Certs.CacheDir,
			DirectoryURL: cfg.Certs.DirectoryURL,
		}, func(host string) bool {
			_, ok := router.Route(host)
			return ok
		}, logger)
		issuer = certManager
		logger.Info("certificates enabled", "cache_dir", cfg.Certs.CacheDir)
	}

	deployer := apps.NewDeployer(apps.Deps{
		Engine:  engine,
		Router:  router,
		Certs:   issuer,
		Ports:   allocator,
		Journal: jr,
		Events:  st,
	}, apps.Config{
		HealthAttempts:      cfg.Deploy.HealthAttempts,
		HealthInterval:      cfg.Deploy.HealthInterval,
		HealthTimeout:       cfg.Deploy.HealthTimeout,
		ConflictPolicy:      apps.ConflictPolicy(cfg.Deploy.ConflictPolicy),
		TraefikLabels:       cfg.Deploy.TraefikLabels,
		TraefikCertResolver: cfg.Deploy.TraefikCertResolver,
	}, logger)

	if err := deployer.Recover(ctx); err != nil {
		closeAll()
		return nil, &ServerError{Op: "Recover", Err: err, ExitCode: ExitRecoveryError}
	}

	if err := os.MkdirAll(cfg.Backup.Dir, 0o755); err != nil {
		closeAll()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	runner := backup.NewRunner(engine, deployer, st, backup.Config{Dir: cfg.Backup.Dir}, logger)

	ring := rpc.NewRing(0)
	registry := rpc.NewRegistry()
	rpc.RegisterBuiltins(registry, rpc.Services{
		Apps:    deployer,
		State:   jr,
		Backups: runner,
		Ports:   allocator,
		Events:  st,
		Calls:   ring,

		TransitionTimeout: cfg.Deploy.TransitionTimeout,
	})
	dispatcher, err := registry.Build(ring, rpc.NewLogSink(logger))
	if err != nil {
		closeAll()
		return nil, &ServerError{Op: "Build", Err: err, ExitCode: ExitRegistryError}
	}

	control := rpc.NewServer(dispatcher, rpc.Config{
		Address:      cfg.Server.Address(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JWTSecret:    cfg.Auth.JWTSecret,
	}, logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("control plane authentication disabled", "address", cfg.Server.Address())
	}

	var monitor *workers.Monitor
	if cfg.Monitor.Enabled {
		monitor = workers.NewMonitor(deployer, engine, st, workers.MonitorConfig{
			Interval:      cfg.Monitor.Interval,
			CheckTimeout:  cfg.Monitor.CheckTimeout,
			MaxConcurrent: cfg.Monitor.MaxConcurrent,
		}, logger)
	}

	return &Server{
		config:      cfg,
		store:       st,
		docker:      dc,
		proxy:       router,
		control:     control,
		monitor:     monitor,
		certManager: certManager,
		logger:      logger,
	}, nil
}

// Start starts the listeners and workers and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	if s.config.Proxy.Enabled {
		var handler http.Handler = s.proxy
		if s.certManager != nil {
			handler = s.certManager.HTTPHandler(s.proxy)
		}
		s.proxyServer = s.proxy.HTTPServer(handler)
		go func() {
			s.logger.Info("starting reverse proxy", "address", s.config.Proxy.Address())
			if err := s.proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("proxy: %w", err)
			}
		}()
	} else {
		s.logger.Info("reverse proxy disabled")
	}

	s.httpServer = s.control.HTTPServer()
	go func() {
		s.logger.Info("starting control plane", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()

	if s.monitor != nil {
		s.monitor.Start()
	}

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Instances keep running; the
// next start recovers them from the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if s.monitor != nil {
		s.monitor.Stop()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("control plane shutdown error", "error", err)
		}
	}

	if s.proxyServer != nil {
		if err := s.proxyServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("reverse proxy shutdown error", "error", err)
		}
	}

	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
