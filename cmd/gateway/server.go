// Package main is the gateway's HTTP entry point: Direct API, Web API,
// health, and metrics behind one listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/api/handlers"
	"github.com/veilrelay/gateway/config"
	"github.com/veilrelay/gateway/internal/karpc"
	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/server"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/privacy"
	"github.com/veilrelay/gateway/privacy/pii"
	"github.com/veilrelay/gateway/providers"
	"github.com/veilrelay/gateway/router"
	"github.com/veilrelay/gateway/session"
)

// Server wires every gateway collaborator (stores, the key-allocator
// client, session/router/privacy, and the HTTP edge) into one process.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	httpManager *server.Manager

	sessionStore *store.Manager
	mappingStore *store.Manager
	kaClient     *karpc.Client

	sessions *session.Manager
	router   *router.Router
	privacy  *privacy.Pipeline

	directHandler *handlers.DirectHandler
	webHandler    *handlers.WebHandler
	healthHandler *handlers.HealthHandler

	metricsCollector *metrics.Collector
	catalogWatcher   *config.ProviderCatalogWatcher

	wg sync.WaitGroup
}

// NewServer creates an unstarted Server over cfg.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, configPath: configPath, logger: logger}
}

// Start brings up every collaborator and the HTTP listener. Non-blocking:
// it returns once the listener is accepting connections.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("veilrelay_gateway", s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("init stores: %w", err)
	}

	if err := s.initKeyAllocatorClient(); err != nil {
		return fmt.Errorf("init key allocator client: %w", err)
	}

	if err := s.initDomain(); err != nil {
		return fmt.Errorf("init domain: %w", err)
	}

	s.initHandlers()

	if err := s.initCatalogWatcher(); err != nil {
		return fmt.Errorf("init catalog watcher: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	s.logger.Info("gateway started", zap.Int("http_port", s.cfg.Server.HTTPPort))
	return nil
}

// initStores opens the two Redis-backed stores: session/endpoint state and
// the privacy pipeline's obfuscation mapping table (§3).
func (s *Server) initStores() error {
	sessionStore, err := store.NewManager(store.Config{
		Addr:                s.cfg.SessionStore.Addr,
		Password:            s.cfg.SessionStore.Password,
		DB:                  s.cfg.SessionStore.DB,
		PoolSize:            s.cfg.SessionStore.PoolSize,
		MinIdleConns:        s.cfg.SessionStore.MinIdleConns,
		MaxRetries:          s.cfg.SessionStore.MaxRetries,
		HealthCheckInterval: s.cfg.SessionStore.HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	s.sessionStore = sessionStore

	mappingStore, err := store.NewManager(store.Config{
		Addr:                s.cfg.KeyStore.Addr,
		Password:            s.cfg.KeyStore.Password,
		DB:                  s.cfg.KeyStore.DB,
		PoolSize:            s.cfg.KeyStore.PoolSize,
		MinIdleConns:        s.cfg.KeyStore.MinIdleConns,
		MaxRetries:          s.cfg.KeyStore.MaxRetries,
		HealthCheckInterval: s.cfg.KeyStore.HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("mapping store: %w", err)
	}
	s.mappingStore = mappingStore

	return nil
}

// initKeyAllocatorClient dials the key allocator's karpc Unix socket. The
// client itself does not connect eagerly, so a not-yet-running allocator
// does not block startup; calls simply fail until it comes up.
func (s *Server) initKeyAllocatorClient() error {
	s.kaClient = karpc.NewClient(s.cfg.KeyAllocator.Socket, s.cfg.KeyAllocator.DialTimeout, s.cfg.KeyAllocator.CallTimeout)
	return nil
}

// initDomain builds the session manager, router, and privacy pipeline over
// the stores and key-allocator client, sharing one provider catalog.
func (s *Server) initDomain() error {
	catalog := providers.NewCatalog(s.logger)

	s.sessions = session.New(s.sessionStore, s.kaClient, catalog, s.logger, session.WithMetrics(s.metricsCollector))
	s.router = router.New(s.sessionStore, s.kaClient, catalog, s.logger, router.WithMetrics(s.metricsCollector))

	s.privacy = privacy.New(s.mappingStore, s.logger,
		privacy.WithScrubber(pii.NewPatternScrubber()),
		privacy.WithMetrics(s.metricsCollector),
	)

	return nil
}

func (s *Server) initHandlers() {
	s.directHandler = handlers.NewDirectHandler(s.sessions, s.router, s.privacy, s.logger)
	s.webHandler = handlers.NewWebHandler(s.sessions, s.router, s.privacy, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewKeyAllocatorHealthCheck(s.kaClient))
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("session_store", s.sessionStore.Ping))
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("key_store", s.mappingStore.Ping))
}

// initCatalogWatcher watches the provider catalog file, if configured, and
// logs each change. The shared catalog is not rebuilt: it is the fixed map
// built by providers.NewCatalog at startup.
func (s *Server) initCatalogWatcher() error {
	if s.cfg.KeyAllocator.ProviderConfigFile == "" {
		return nil
	}

	watcher, err := config.NewProviderCatalogWatcher(s.cfg.KeyAllocator.ProviderConfigFile, s.logger)
	if err != nil {
		return err
	}
	watcher.OnReload(func(path string) {
		s.logger.Info("provider catalog changed on disk", zap.String("path", path))
	})
	if err := watcher.Start(context.Background()); err != nil {
		return err
	}
	s.catalogWatcher = watcher
	return nil
}

// startHTTPServer registers every route and starts the listener behind the
// middleware chain.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/create-session", s.directHandler.HandleCreateSession)
	mux.HandleFunc("POST /api/v1/stateless-query", s.directHandler.HandleStatelessQuery)
	mux.HandleFunc("POST /api/v1/stateful-query", s.directHandler.HandleStatefulQuery)

	mux.HandleFunc("POST /web/initialize-session", s.webHandler.HandleInitializeSession)
	mux.HandleFunc("PUT /web/session/models", s.webHandler.HandleUpdateSessionModels)
	mux.HandleFunc("GET /web/session/{id}/endpoints", s.webHandler.HandleSessionEndpoints)
	mux.HandleFunc("POST /web/session/{id}/choose-endpoint", s.webHandler.HandleChooseEndpoint)
	mux.HandleFunc("GET /web/session/{id}", s.webHandler.HandleSessionStatus)
	mux.HandleFunc("POST /web/end-session", s.webHandler.HandleEndSession)
	mux.HandleFunc("GET /web/connect", s.webHandler.HandleConnect)
	mux.HandleFunc("POST /web/generate", s.webHandler.HandleGenerate)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		SecurityHeaders(),
		CORS(s.cfg.CORS.Origins),
		JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
		UserRateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown releases every collaborator in reverse order of acquisition.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.catalogWatcher != nil {
		if err := s.catalogWatcher.Stop(); err != nil {
			s.logger.Error("catalog watcher shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	s.router.Shutdown()

	if s.sessionStore != nil {
		if err := s.sessionStore.Close(); err != nil {
			s.logger.Error("session store close error", zap.Error(err))
		}
	}
	if s.mappingStore != nil {
		if err := s.mappingStore.Close(); err != nil {
			s.logger.Error("mapping store close error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("graceful shutdown completed")
}
