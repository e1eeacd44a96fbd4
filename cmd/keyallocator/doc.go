// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the key allocator's executable entry point.

# Overview

cmd/keyallocator is the Key Allocator process (§4.1): it owns the key pool,
selects keys for sessions by a deterministic weighted policy, and tracks
usage. It exposes its public contract over a local Unix-domain RPC socket
(internal/karpc) to the gateway process, and a small HTTP surface of its
own (health, readiness, version, Prometheus metrics) on a separate port.

# Core types

  - Server — wires the counter store, secret store, and allocator into an
    RPC listener plus an HTTP health/metrics listener; owns startup and
    graceful shutdown.

# Capabilities

  - Subcommands: serve (start the allocator), version, help
  - At startup, optionally ingests a key config file (CSV or YAML) via
    keyalloc.Allocator.ReloadKeys before accepting RPC calls
  - Graceful shutdown: signal -> close HTTP -> close RPC listener ->
    close counter store
  - Build injection: Version, BuildTime, GitCommit set via ldflags
*/
package main
