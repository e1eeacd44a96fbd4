// Package store provides the gateway's shared Redis-backed key/value
// wrapper, used both for the session store (SM: endpoint, session, and
// candidate-list records) and the counter store (KA: key usage counters and
// pool membership), one *Manager instance per logical Redis client (§3, §6
// "Persistent state layout").
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager wraps a redis.Client with JSON convenience methods, a background
// health check, and the counter/set primitives the key allocator and
// session manager both need.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Config configures one logical Redis connection.
type Config struct {
	Addr                string        `yaml:"addr" json:"addr"`
	Password            string        `yaml:"password" json:"password"`
	DB                  int           `yaml:"db" json:"db"`
	DefaultTTL          time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	PoolSize            int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns        int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// NewManager dials Redis, verifies connectivity, and starts the background
// health check loop when HealthCheckInterval is set.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", config.Addr, err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "store"), zap.String("addr", config.Addr)),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	m.logger.Info("redis store initialized", zap.Int("pool_size", config.PoolSize))
	return m, nil
}

// ErrMiss is returned by Get/GetJSON when the key does not exist.
var ErrMiss = fmt.Errorf("store: key not found")

func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", fmt.Errorf("store is closed")
	}

	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		m.logger.Error("get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("store get failed: %w", err)
	}
	return val, nil
}

func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	if err := m.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		m.logger.Error("set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("store set failed: %w", err)
	}
	return nil
}

func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("unmarshal stored value: %w", err)
	}
	return nil
}

func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("store delete failed: %w", err)
	}
	return nil
}

func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, fmt.Errorf("store is closed")
	}
	count, err := m.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("store exists check failed: %w", err)
	}
	return count, nil
}

func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return m.redis.Expire(ctx, key, ttl).Err()
}

// IncrByWithTTL atomically adds delta to key's integer counter, setting an
// expiry only on the call that creates the key, so concurrent TrackUsage
// calls (§8 property 9) never reset a live counter's TTL back to the full
// window.
func (m *Manager) IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, fmt.Errorf("store is closed")
	}
	pipe := m.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store incrby failed: %w", err)
	}
	return incr.Val(), nil
}

// SAdd adds members to a Redis set (used for provider/model key pools).
func (m *Manager) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	args := make([]any, len(members))
	for i, mm := range members {
		args[i] = mm
	}
	return m.redis.SAdd(ctx, key, args...).Err()
}

// SRem removes members from a Redis set.
func (m *Manager) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	args := make([]any, len(members))
	for i, mm := range members {
		args[i] = mm
	}
	return m.redis.SRem(ctx, key, args...).Err()
}

// SIsMember reports whether member belongs to the set at key.
func (m *Manager) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, fmt.Errorf("store is closed")
	}
	return m.redis.SIsMember(ctx, key, member).Result()
}

// SMembers enumerates a Redis set.
func (m *Manager) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return m.redis.SMembers(ctx, key).Result()
}

// ReplaceSet replaces a set's members atomically: delete then SAdd, used when
// ReloadKeys (§4.1) replaces a pool wholesale.
func (m *Manager) ReplaceSet(ctx context.Context, key string, members ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, mm := range members {
			args[i] = mm
		}
		pipe.SAdd(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return m.redis.Ping(ctx).Err()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing redis store")
	return m.redis.Close()
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("health check failed", zap.Error(err))
		}
		cancel()
	}
}

// IsMiss reports whether err is the store's not-found sentinel.
func IsMiss(err error) bool {
	return err == ErrMiss
}
