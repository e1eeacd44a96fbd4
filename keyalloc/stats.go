package keyalloc

import (
	"context"
	"fmt"

	"github.com/veilrelay/gateway/types"
)

// PoolStats summarizes one (provider, model) pool for GetStats.
type PoolStats struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	KeyCount int    `json:"key_count"`
}

// KeyDetail is per-key detail for GetDetailedStats.
type KeyDetail struct {
	KeyID        string `json:"key_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	HourlyTokens int64  `json:"hourly_tokens"`
	LifeTokens   int64  `json:"lifetime_tokens"`
	Status       string `json:"status"`
}

// GetStats reports pool membership counts for each requested
// (provider, model) pair.
func (a *Allocator) GetStats(ctx context.Context, models []ModelRequest) ([]PoolStats, error) {
	out := make([]PoolStats, 0, len(models))
	for _, mr := range models {
		ids, err := a.counters.SMembers(ctx, fmt.Sprintf("keys:%s:%s", mr.Provider, mr.Model))
		if err != nil {
			return nil, fmt.Errorf("stats for %s/%s: %w", mr.Provider, mr.Model, err)
		}
		out = append(out, PoolStats{Provider: mr.Provider, Model: mr.Model, KeyCount: len(ids)})
	}
	return out, nil
}

// GetDetailedStats reports per-key usage and status across the requested
// pools (§4.1 GetDetailedStats).
func (a *Allocator) GetDetailedStats(ctx context.Context, models []ModelRequest) ([]KeyDetail, error) {
	var out []KeyDetail
	for _, mr := range models {
		ids, err := a.counters.SMembers(ctx, fmt.Sprintf("keys:%s:%s", mr.Provider, mr.Model))
		if err != nil {
			return nil, fmt.Errorf("detailed stats for %s/%s: %w", mr.Provider, mr.Model, err)
		}
		for _, id := range ids {
			hourly, _ := a.hourlyTokens(ctx, id)
			life, _ := a.lifeTokens(ctx, id)
			out = append(out, KeyDetail{
				KeyID:        id,
				Provider:     mr.Provider,
				Model:        mr.Model,
				HourlyTokens: hourly,
				LifeTokens:   life,
				Status:       string(types.KeyStatusForHourlyTokens(hourly)),
			})
		}
	}
	return out, nil
}

// Health reports whether the counter store is reachable.
func (a *Allocator) Health(ctx context.Context) error {
	return a.counters.Ping(ctx)
}
