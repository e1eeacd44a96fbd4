// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers implements the gateway's HTTP request handlers: the
Direct API (create-session, stateless-query, stateful-query), the Web API
(session lifecycle plus connect/generate), and shared health checks.

# Core types

  - DirectHandler  — Direct API: create-session, stateless-query, stateful-query
  - WebHandler     — Web API: session lifecycle, choose-endpoint, generate
  - HealthHandler  — service health checks (/health, /healthz, /ready)
  - Response       — unified JSON envelope (success + data + error + timestamp)
  - ErrorInfo      — structured error info: code, message, retryable
  - ResponseWriter — wraps http.ResponseWriter to capture the status code
  - HealthCheck    — pluggable health check interface (Redis, key allocator)

# Shared behavior

  - WriteSuccess / WriteError / WriteJSON helpers for the response envelope
  - DecodeJSONBody (1 MB limit, strict unknown-field rejection)
  - request validation helpers matching §6's patterns
  - SSE streaming: WriteSSEChunk / WriteSSEDone for both handler families
*/
package handlers
