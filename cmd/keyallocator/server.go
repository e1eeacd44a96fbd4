// Package main is the key allocator's process entry point: an RPC service
// over a Unix socket plus a small HTTP health/metrics surface.
package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/api/handlers"
	"github.com/veilrelay/gateway/config"
	"github.com/veilrelay/gateway/internal/karpc"
	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/secretstore"
	"github.com/veilrelay/gateway/internal/server"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/keyalloc"
)

// Server wires the Key Allocator's collaborators (counter store, secret
// store, allocator core, RPC listener, HTTP health/metrics listener) into
// one process.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	counters *store.Manager
	secrets  secretstore.Store

	allocator *keyalloc.Allocator

	rpcServer  *karpc.Server
	httpServer *server.Manager

	metricsCollector *metrics.Collector
}

// NewServer creates an unstarted Server over cfg.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start brings up the allocator core, the RPC listener, and the HTTP
// listener. Non-blocking: it returns once both listeners are accepting
// connections.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("veilrelay_keyallocator", s.logger)

	if err := s.initCounterStore(); err != nil {
		return fmt.Errorf("init counter store: %w", err)
	}

	if err := s.initSecretStore(); err != nil {
		return fmt.Errorf("init secret store: %w", err)
	}

	s.allocator = keyalloc.New(s.counters, s.secrets, s.logger, keyalloc.WithMetrics(s.metricsCollector))

	if s.cfg.KeyAllocator.KeyConfigFile != "" {
		counts, err := s.allocator.ReloadKeys(context.Background(), s.cfg.KeyAllocator.KeyConfigFile)
		if err != nil {
			return fmt.Errorf("ingest key config file: %w", err)
		}
		s.logger.Info("ingested key config file",
			zap.String("path", s.cfg.KeyAllocator.KeyConfigFile),
			zap.Any("pools", counts))
	}

	if err := s.startRPCServer(); err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	s.logger.Info("key allocator started",
		zap.String("socket", s.cfg.KeyAllocator.Socket),
		zap.Int("metrics_port", s.cfg.KeyAllocator.MetricsPort))
	return nil
}

// initCounterStore opens the Redis-backed pool/usage counter store (§3's
// per-key hourly/lifetime counters and pool membership sets).
func (s *Server) initCounterStore() error {
	counters, err := store.NewManager(store.Config{
		Addr:                s.cfg.KeyStore.Addr,
		Password:            s.cfg.KeyStore.Password,
		DB:                  s.cfg.KeyStore.DB,
		PoolSize:            s.cfg.KeyStore.PoolSize,
		MinIdleConns:        s.cfg.KeyStore.MinIdleConns,
		MaxRetries:          s.cfg.KeyStore.MaxRetries,
		HealthCheckInterval: s.cfg.KeyStore.HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return err
	}
	s.counters = counters
	return nil
}

// initSecretStore opens the configured secret-store backend (Vault or an
// in-memory/file-backed store for local development), treated as an opaque
// key-value retrieval interface per spec.md §1.
func (s *Server) initSecretStore() error {
	secrets, err := secretstore.New(secretstore.Options{
		Backend:    s.cfg.SecretStore.Backend,
		VaultAddr:  s.cfg.SecretStore.VaultAddr,
		VaultToken: s.cfg.SecretStore.VaultToken,
		MountPath:  s.cfg.SecretStore.MountPath,
		FilePath:   s.cfg.SecretStore.FilePath,
	}, http.DefaultClient)
	if err != nil {
		return err
	}
	s.secrets = secrets
	return nil
}

// startRPCServer exposes the allocator over internal/karpc's Unix-domain
// socket, the local RPC channel named in §6.
func (s *Server) startRPCServer() error {
	service := karpc.NewKeyAllocatorService(s.allocator, s.logger)
	rpcServer, err := karpc.NewServer(s.cfg.KeyAllocator.Socket, service, s.logger)
	if err != nil {
		return err
	}
	s.rpcServer = rpcServer
	return nil
}

// startHTTPServer serves health, readiness, version, and Prometheus
// metrics on the allocator's own port, separate from the gateway's
// listener and from the RPC socket.
func (s *Server) startHTTPServer() error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("key_store", s.counters.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.KeyAllocator.MetricsPort)

	s.httpServer = server.NewManager(mux, serverConfig, s.logger)
	return s.httpServer.Start()
}

// WaitForShutdown blocks until a shutdown signal arrives, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpServer != nil {
		s.httpServer.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown releases every collaborator in reverse order of acquisition.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.rpcServer != nil {
		if err := s.rpcServer.Close(); err != nil {
			s.logger.Error("RPC server shutdown error", zap.Error(err))
		}
	}

	if s.counters != nil {
		if err := s.counters.Close(); err != nil {
			s.logger.Error("counter store close error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
