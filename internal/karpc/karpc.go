// Package karpc implements the KA<->SM local RPC channel named in §6
// ("gRPC-style RPCs over a Unix-domain socket"). It is built on the standard
// library's net/rpc with gob encoding served over a Unix-domain socket
// listener — a request/response RPC protocol matching the §4.1 contract
// shapes exactly, without depending on protoc-generated code that cannot be
// verified by a build in this environment. See DESIGN.md for the
// justification of this resolved Open Question.
package karpc

import "time"

// ModelRequest mirrors keyalloc.ModelRequest on the wire; net/rpc requires
// exported, gob-encodable types for every argument and result.
type ModelRequest struct {
	Provider string
	Model    string
}

// SelectKeysArgs is the SelectKeysForSession request.
type SelectKeysArgs struct {
	SessionID     string
	UserID        int64
	Models        []ModelRequest
	CountPerModel int
}

// SelectedKey is one key returned to the caller, including its secret.
type SelectedKey struct {
	KeyID        string
	Provider     string
	Model        string
	Secret       string
	HourlyTokens int64
	LifeTokens   int64
	Status       string
}

// SelectKeysReply is the SelectKeysForSession response.
type SelectKeysReply struct {
	Keys []SelectedKey
}

// ReleaseKeyArgs is the ReleaseSession request.
type ReleaseKeyArgs struct {
	SessionID string
}

// ReloadKeysArgs is the ReloadKeys request.
type ReloadKeysArgs struct {
	Path string
}

// ReloadKeysReply reports key counts per pool after a reload.
type ReloadKeysReply struct {
	PoolCounts map[string]int
}

// TrackUsageArgs is the TrackUsage request.
type TrackUsageArgs struct {
	KeyID  string
	Tokens int64
}

// StatsArgs selects which (provider, model) pools to report on.
type StatsArgs struct {
	Models []ModelRequest
}

// PoolStats mirrors keyalloc.PoolStats on the wire.
type PoolStats struct {
	Provider string
	Model    string
	KeyCount int
}

// GetStatsReply is the GetStats response.
type GetStatsReply struct {
	Pools []PoolStats
}

// KeyDetail mirrors keyalloc.KeyDetail on the wire.
type KeyDetail struct {
	KeyID        string
	Provider     string
	Model        string
	HourlyTokens int64
	LifeTokens   int64
	Status       string
}

// GetDetailedStatsReply is the GetDetailedStats response.
type GetDetailedStatsReply struct {
	Keys []KeyDetail
}

// HealthReply is the Health response.
type HealthReply struct {
	OK    bool
	Error string
}

// DefaultDialTimeout bounds how long the client waits to connect to the
// Unix socket before re-creating the stub lazily, per §5's "local-socket
// channel to the KA (re-creates stub lazily per request)".
const DefaultDialTimeout = 5 * time.Second
