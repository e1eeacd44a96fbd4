// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the gateway's executable entry point.

# Overview

cmd/gateway is the gateway's HTTP edge: the Direct API, the Web API, health
checks, and Prometheus metrics, all behind one listener. It loads a YAML
config overlaid with environment variables, logs structurally via zap, and
optionally exports traces/metrics via OpenTelemetry.

# Core types

  - Server     — wires stores, the key-allocator client, session/router/
    privacy, and the HTTP handlers; owns startup and graceful shutdown.
  - Middleware — HTTP middleware function signature func(http.Handler) http.Handler.

# Capabilities

  - Subcommands: serve (start the server), version, health
  - Middleware chain: Recovery, RequestID, RequestLogger, MetricsMiddleware,
    OTelTracing, SecurityHeaders, CORS, JWTAuth, UserRateLimiter
  - Provider catalog hot reload via config.ProviderCatalogWatcher
  - Graceful shutdown: signal -> stop catalog watcher -> close HTTP ->
    shut down router -> close stores -> wait
  - Build injection: Version, BuildTime, GitCommit set via ldflags
*/
package main
