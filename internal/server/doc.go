// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
start, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server and unifies listen, serve, shutdown, and error
propagation. It supports plain HTTP and TLS startup, with built-in
SIGINT/SIGTERM handling for production-grade graceful stop.

# Core types

  - Manager: HTTP server manager, holding the http.Server, net.Listener, and
    an asynchronous error channel; exposes Start/StartTLS/Shutdown/
    WaitForShutdown lifecycle methods.
  - Config: server configuration — listen address, read/write timeouts,
    idle timeout, max header size, and shutdown timeout.

# Capabilities

  - Non-blocking start: Start/StartTLS run the server in a background
    goroutine, the caller's thread never blocks.
  - Graceful shutdown: Shutdown drains in-flight requests and releases
    connections within the configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and triggers
    graceful shutdown automatically.
  - Error propagation: Errors() returns an async error channel for callers
    to monitor server failures.
  - TLS support: StartTLS accepts a certificate and key file.
  - Status queries: IsRunning/Addr report running state and listen address.
*/
package server
