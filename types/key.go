package types

import "time"

// KeyStatus is the externally reported health of a key, derived purely from
// its hourly usage counter (§4.1 "Status mapping").
type KeyStatus string

const (
	KeyAvailable   KeyStatus = "Available"
	KeyStandby     KeyStatus = "Standby"
	KeyActive      KeyStatus = "Active"
	KeyRateLimited KeyStatus = "RateLimited"
)

// KeyStatusForHourlyTokens implements the §4.1 status mapping:
// 0 -> Available, <1k -> Standby, <5k -> Active, otherwise -> RateLimited.
func KeyStatusForHourlyTokens(hourlyTokens int64) KeyStatus {
	switch {
	case hourlyTokens == 0:
		return KeyAvailable
	case hourlyTokens < 1000:
		return KeyStandby
	case hourlyTokens < 5000:
		return KeyActive
	default:
		return KeyRateLimited
	}
}

// SelectionWeight implements the §4.1 selection algorithm's piecewise weight
// function: 0 tokens -> 100; <1k -> 50; <5k -> 20; otherwise -> 5.
func SelectionWeight(hourlyTokens int64) int {
	switch {
	case hourlyTokens == 0:
		return 100
	case hourlyTokens < 1000:
		return 50
	case hourlyTokens < 5000:
		return 20
	default:
		return 5
	}
}

// KeyRecord is one provider API credential. The secret itself never lives on
// this struct outside of the narrow window between secret-store retrieval
// and driver instantiation (§3 invariant iii).
type KeyRecord struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	HourlyTokens int64     `json:"hourly_tokens"`
	LifeTokens   int64     `json:"lifetime_tokens"`
	LastUsed     time.Time `json:"last_used"`
	Status       KeyStatus `json:"status"`
}

// EndpointRecord is an ephemeral, session-scoped view of a key bound into a
// session. It is persisted to the session store (with its secret) so the
// session manager can later materialize a driver from it; the secret tag is
// "secret", not "-", precisely so JSON persistence round-trips it, but the
// HTTP edge layer must build its own client-facing DTO and never marshal an
// EndpointRecord directly, since its secret must never reach a client or log.
type EndpointRecord struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	KeyID        string    `json:"key_id"`
	Secret       string    `json:"secret"`
	SessionID    string    `json:"session_id"`
	HourlyTokens int64     `json:"hourly_tokens"`
	LifeTokens   int64     `json:"lifetime_tokens"`
	Status       KeyStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionStatus is the externally reported lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionEnded   SessionStatus = "ended"
	SessionInvalid SessionStatus = "invalid"
)

// SessionRecord is the persistent state behind a session id (§3).
type SessionRecord struct {
	ID              string        `json:"id"`
	UserID          int64         `json:"user_id"`
	Models          []string      `json:"models"`
	BoundEndpointID string        `json:"bound_endpoint_id,omitempty"`
	BoundKeyHash    string        `json:"bound_key_hash,omitempty"`
	BoundProvider   string        `json:"bound_provider,omitempty"`
	BoundModel      string        `json:"bound_model,omitempty"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}
