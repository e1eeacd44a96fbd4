package privacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/types"
)

// mappingTTL is §4.4's "TTL 1h" for obfuscation-mapping records.
const mappingTTL = time.Hour

func mappingKey(sessionID string) string { return "obfuscation:" + sessionID }

// mappingRecord is the persisted token -> original table for one session.
// PII-scrub tokens and obfuscation tokens share the same record and the same
// TTL, so a single deobfuscation pass on the response reverses both.
type mappingRecord struct {
	SessionID string            `json:"session_id"`
	Tokens    map[string]string `json:"tokens"`
	CreatedAt time.Time         `json:"created_at"`
}

// Obfuscator performs §4.4's reversible transform: Obfuscate rewrites
// message content and records a token -> original mapping keyed by session
// id; Deobfuscate reverses it against that session's record.
type Obfuscator interface {
	Obfuscate(ctx context.Context, sessionID string, messages []types.Message, extra map[string]string) ([]types.Message, error)
	Deobfuscate(ctx context.Context, sessionID, content string) (string, error)
}

// storeObfuscator is the baseline obfuscator: the reversible transform
// itself is identity (per spec.md's open question, the baseline
// implementation does not change content), but it still mints and persists
// a mapping record so PII-scrub tokens (passed in via extra) are reversible
// downstream, and so the round-trip law in §8 property 8 is exercised
// against a real store rather than a no-op.
type storeObfuscator struct {
	store *store.Manager
}

// NewObfuscator builds the baseline obfuscator, keeping its mapping records
// in mappingStore. The gateway passes its dedicated mapping store here, not
// the session manager's store.
func NewObfuscator(mappingStore *store.Manager) Obfuscator {
	return &storeObfuscator{store: mappingStore}
}

func (o *storeObfuscator) Obfuscate(ctx context.Context, sessionID string, messages []types.Message, extra map[string]string) ([]types.Message, error) {
	record := mappingRecord{SessionID: sessionID, Tokens: make(map[string]string), CreatedAt: time.Now()}
	for k, v := range extra {
		record.Tokens[k] = v
	}
	if err := o.store.SetJSON(ctx, mappingKey(sessionID), record, mappingTTL); err != nil {
		return nil, fmt.Errorf("persist obfuscation mapping: %w", err)
	}
	// Baseline transform is identity; messages pass through unchanged.
	return messages, nil
}

func (o *storeObfuscator) Deobfuscate(ctx context.Context, sessionID, content string) (string, error) {
	var record mappingRecord
	if err := o.store.GetJSON(ctx, mappingKey(sessionID), &record); err != nil {
		if store.IsMiss(err) {
			// Record expired or never existed: §4.4 "expired obfuscation
			// records are lazily purged on access" - nothing to reverse.
			return content, nil
		}
		return "", fmt.Errorf("load obfuscation mapping: %w", err)
	}

	if len(record.Tokens) == 0 {
		return content, nil
	}
	pairs := make([]string, 0, len(record.Tokens)*2)
	for token, original := range record.Tokens {
		pairs = append(pairs, token, original)
	}
	return strings.NewReplacer(pairs...).Replace(content), nil
}

// newMappingID mints an opaque id for a single obfuscation call, surfaced in
// RequestMetadata so a caller can log which mapping a turn produced; the
// record itself is keyed by session id, not mapping id, since deobfuscation
// always happens against the session that created it.
func newMappingID() string {
	return uuid.NewString()
}
