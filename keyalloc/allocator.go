// Package keyalloc implements the Key Allocator (§4.1): it owns the key
// pool, selects keys for sessions by a deterministic weighted policy, and
// tracks usage. It is grounded on the teacher's llm.APIKeyPool, adapted from
// an in-process gorm-backed pool with a StrategyWeightedRandom choice among
// several strategies to a Redis-backed, single deterministic algorithm
// (§4.1 "Selection algorithm") since spec.md specifies exactly one policy.
package keyalloc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/secretstore"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/types"
)

const (
	sessionWeightTTL = time.Hour
	hourlyCounterTTL = time.Hour
	lifeCounterTTL   = 30 * 24 * time.Hour
	lastUsedTTL      = 24 * time.Hour
)

// Allocator is the Key Allocator's core, independent of its RPC transport
// so internal/karpc can expose it over a Unix socket and tests can call it
// directly in-process.
type Allocator struct {
	counters *store.Manager
	secrets  secretstore.Store
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithMetrics wires a metrics.Collector so SelectKeys reports each selected
// key's (provider, model, status) to keys_selected_total under the
// collector's namespace.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Allocator) { a.metrics = c }
}

// New creates an Allocator backed by the given counter store and secret
// store.
func New(counters *store.Manager, secrets secretstore.Store, logger *zap.Logger, opts ...Option) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Allocator{counters: counters, secrets: secrets, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SelectedKey is one key handed back to the Session Manager, including its
// secret — this is the one RPC response where the secret crosses the
// process boundary, per §3's "surfaced only at dispatch time".
type SelectedKey struct {
	KeyID        string
	Provider     string
	Model        string
	Secret       string
	HourlyTokens int64
	LifeTokens   int64
	Status       types.KeyStatus
}

// ModelRequest names one (provider, model) pair; how many keys are wanted
// for it is SelectKeys' countPerModel.
type ModelRequest struct {
	Provider string
	Model    string
}

// SelectKeys implements §4.1's SelectKeys: for each requested
// (provider, model), enumerate the pool, rank by the weighted policy, and
// return up to countPerModel keys. Missing pools contribute no keys rather
// than failing the whole call; the caller gets no-keys only when the
// combined result is empty.
func (a *Allocator) SelectKeys(ctx context.Context, sessionID string, userID int64, models []ModelRequest, countPerModel int) ([]SelectedKey, error) {
	var out []SelectedKey

	for _, mr := range models {
		selected, err := a.selectForModel(ctx, sessionID, mr.Provider, mr.Model, countPerModel)
		if err != nil {
			a.logger.Warn("select for model failed",
				zap.String("provider", mr.Provider), zap.String("model", mr.Model), zap.Error(err))
			continue
		}
		out = append(out, selected...)
	}

	if len(out) == 0 {
		return nil, types.NewError(types.ErrNoKeys, "no keys available for requested models")
	}
	return out, nil
}

func (a *Allocator) selectForModel(ctx context.Context, sessionID, provider, model string, count int) ([]SelectedKey, error) {
	poolKey := fmt.Sprintf("keys:%s:%s", provider, model)
	ids, err := a.counters.SMembers(ctx, poolKey)
	if err != nil {
		return nil, fmt.Errorf("enumerate pool %s: %w", poolKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	type ranked struct {
		id     string
		hourly int64
		weight int
	}
	ranks := make([]ranked, 0, len(ids))
	for _, id := range ids {
		hourly, err := a.hourlyTokens(ctx, id)
		if err != nil {
			a.logger.Warn("read hourly counter failed", zap.String("key_id", id), zap.Error(err))
			continue
		}
		ranks = append(ranks, ranked{id: id, hourly: hourly, weight: types.SelectionWeight(hourly)})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].weight != ranks[j].weight {
			return ranks[i].weight > ranks[j].weight
		}
		if ranks[i].hourly != ranks[j].hourly {
			return ranks[i].hourly < ranks[j].hourly
		}
		return ranks[i].id < ranks[j].id
	})

	if count > 0 && len(ranks) > count {
		ranks = ranks[:count]
	}

	out := make([]SelectedKey, 0, len(ranks))
	for _, r := range ranks {
		secretPath := fmt.Sprintf("llm/%s/%s/%s", provider, model, r.id)
		secret, err := a.secrets.Get(ctx, secretPath)
		if err != nil {
			a.logger.Warn("missing secret for enumerated key, skipping",
				zap.String("key_id", r.id), zap.Error(err))
			continue
		}

		life, _ := a.lifeTokens(ctx, r.id)
		out = append(out, SelectedKey{
			KeyID:        r.id,
			Provider:     provider,
			Model:        model,
			Secret:       secret,
			HourlyTokens: r.hourly,
			LifeTokens:   life,
			Status:       types.KeyStatusForHourlyTokens(r.hourly),
		})

		if a.metrics != nil {
			a.metrics.RecordKeySelected(provider, model, string(types.KeyStatusForHourlyTokens(r.hourly)))
		}

		if sessionID != "" {
			if err := a.markSessionWeight(ctx, sessionID, r.id, 100); err != nil {
				a.logger.Warn("set session key weight failed", zap.Error(err))
			}
		}
	}
	return out, nil
}

func (a *Allocator) hourlyTokens(ctx context.Context, keyID string) (int64, error) {
	val, err := a.counters.Get(ctx, fmt.Sprintf("key_usage_hour:%s", keyID))
	if err != nil {
		if store.IsMiss(err) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	_, err = fmt.Sscanf(val, "%d", &n)
	return n, err
}

func (a *Allocator) lifeTokens(ctx context.Context, keyID string) (int64, error) {
	val, err := a.counters.Get(ctx, fmt.Sprintf("key_usage_total:%s", keyID))
	if err != nil {
		if store.IsMiss(err) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	_, err = fmt.Sscanf(val, "%d", &n)
	return n, err
}

func (a *Allocator) markSessionWeight(ctx context.Context, sessionID, keyID string, weight int) error {
	if err := a.counters.Set(ctx, fmt.Sprintf("session_key_weight:%s:%s", sessionID, keyID), fmt.Sprintf("%d", weight), sessionWeightTTL); err != nil {
		return err
	}
	return a.counters.SAdd(ctx, fmt.Sprintf("session_keys:%s", sessionID), keyID)
}

// ReleaseSession implements §4.1's ReleaseSession: reset every session->key
// weight tracked for sessionID. Absent sessions are a no-op, never an error.
func (a *Allocator) ReleaseSession(ctx context.Context, sessionID string) error {
	trackKey := fmt.Sprintf("session_keys:%s", sessionID)
	ids, err := a.counters.SMembers(ctx, trackKey)
	if err != nil {
		return nil //nolint:nilerr // absent session tracking is not an error
	}
	weightKeys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		weightKeys = append(weightKeys, fmt.Sprintf("session_key_weight:%s:%s", sessionID, id))
	}
	weightKeys = append(weightKeys, trackKey)
	return a.counters.Delete(ctx, weightKeys...)
}

// TrackUsage implements §4.1's TrackUsage: atomically adds tokens to the
// key's hourly and lifetime counters and updates last_used.
func (a *Allocator) TrackUsage(ctx context.Context, keyID string, tokens int64) error {
	if _, err := a.counters.IncrByWithTTL(ctx, fmt.Sprintf("key_usage_hour:%s", keyID), tokens, hourlyCounterTTL); err != nil {
		return fmt.Errorf("track hourly usage: %w", err)
	}
	if _, err := a.counters.IncrByWithTTL(ctx, fmt.Sprintf("key_usage_total:%s", keyID), tokens, lifeCounterTTL); err != nil {
		return fmt.Errorf("track lifetime usage: %w", err)
	}
	if err := a.counters.Set(ctx, fmt.Sprintf("key_last_used:%s", keyID), fmt.Sprintf("%d", time.Now().Unix()), lastUsedTTL); err != nil {
		return fmt.Errorf("track last used: %w", err)
	}
	return nil
}
