/*
Package types provides the gateway's foundational, dependency-free type
contracts: chat messages, the structured Error/ErrorCode taxonomy, context
propagation helpers, and the key/session/endpoint records that make up the
data model (§3). No other gateway package is imported here, to keep every
upstream package free to depend on types without a cycle.
*/
package types
