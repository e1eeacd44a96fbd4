package session

import (
	"time"

	"github.com/veilrelay/gateway/internal/idhash"
)

// deriveEndpointID and sessionKeyHash delegate to internal/idhash so the
// router package can mint endpoint ids identically for its own temporary,
// non-session-bound dispatches.
func deriveEndpointID(provider, model, keyID, sessionID string, now time.Time) string {
	return idhash.DeriveEndpointID(provider, model, keyID, sessionID, now)
}

func sessionKeyHash(keyID, sessionID string, bucket int64) string {
	return idhash.SessionKeyHash(keyID, sessionID, bucket)
}

func hourBucket(now time.Time) int64 {
	return idhash.HourBucket(now)
}
