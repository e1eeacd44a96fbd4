// Package api defines the gateway's HTTP edge contract: request/response
// DTOs for both the Direct API and the Web API (§6), plus the shared
// envelope every handler response is wrapped in. Handlers never marshal
// types.EndpointRecord or types.SessionRecord directly; every field exposed
// to a client crosses through one of these DTOs so internal fields (secrets,
// store keys) can never leak by accident.
//
// # Direct API
//
// Bearer-JWT authenticated, one call per turn:
//   - POST /api/v1/create-session
//   - POST /api/v1/stateless-query
//   - POST /api/v1/stateful-query
//
// # Web API
//
// Used by the first-party UI: session lifecycle plus connect/generate, with
// streaming status chunks (privacy_status, thinking, response_starting,
// endpoints_refreshed, session_disconnected) layered over the same SSE
// chat-completion-chunk framing the Direct API uses.
package api
