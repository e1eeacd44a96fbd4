// Package idhash implements the endpoint-id and session-key-hash
// derivations shared by the session manager and the query router (§4.2),
// so both packages compute identical ids from identical inputs without
// importing each other.
package idhash

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// DeriveEndpointID implements §4.2's endpoint id derivation:
// SHA256(provider:model:key_id:unix_seconds:session_id[:8]) truncated to 20
// hex chars. The session-id salt means the same key bound into different
// sessions yields unrelated endpoint ids; the coarse timestamp means ids
// stay unique across key-pool reloads.
func DeriveEndpointID(provider, model, keyID, sessionID string, now time.Time) string {
	salt := sessionID
	if len(salt) > 8 {
		salt = salt[:8]
	}
	input := fmt.Sprintf("%s:%s:%s:%d:%s", provider, model, keyID, now.Unix(), salt)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:20]
}

// SessionKeyHash implements §4.2's session-specific key hash:
// SHA256(key_id:session_id:hour_bucket)[:24]. It lets a client recognize
// "same endpoint within this session" across requests without being able to
// correlate the same key across different sessions.
func SessionKeyHash(keyID, sessionID string, bucket int64) string {
	input := fmt.Sprintf("%s:%s:%d", keyID, sessionID, bucket)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:24]
}

// HourBucket returns the coarse hour bucket used by SessionKeyHash.
func HourBucket(now time.Time) int64 {
	return now.Unix() / 3600
}

// RandIndex picks a uniformly random index in [0, n) using a CSPRNG. Both
// the session manager's random candidate choice (§4.2) and the router's
// random temporary-key pick (§4.3) need this same non-biased selection.
func RandIndex(n int) (int, error) {
	max := big.NewInt(int64(n))
	idx, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
