// Package session implements the Session Manager (§4.2): session lifecycle,
// candidate endpoint generation, endpoint binding, and single-turn
// completion. It is the only component that writes session_state,
// session_endpoints, and endpoint records into the session-store Redis; the
// Key Allocator owns key pools and usage counters over a separate Redis
// logical store (§5 "KA and SM run in distinct processes").
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/internal/idhash"
	"github.com/veilrelay/gateway/internal/karpc"
	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/types"
)

const (
	sessionTTL     = time.Hour
	userHistoryTTL = 7 * 24 * time.Hour
	suspiciousTTL  = 30 * 24 * time.Hour
	candidateCount = 2
)

// Manager is the Session Manager. One instance is shared by every HTTP
// handler; all mutable state lives in the session-store Redis so the
// process can be scaled horizontally.
type Manager struct {
	store   *store.Manager
	ka      *karpc.Client
	catalog driver.Catalog
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMetrics wires a metrics.Collector so Initialize/End report
// sessions_active under the collector's namespace.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New builds a Manager.
func New(sessionStore *store.Manager, ka *karpc.Client, catalog driver.Catalog, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: sessionStore, ka: ka, catalog: catalog, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sessionStateKey(id string) string     { return "session_state:" + id }
func sessionEndpointsKey(id string) string { return "session_endpoints:" + id }
func endpointKey(id string) string         { return "endpoint:" + id }
func userSessionsKey(userID int64) string  { return fmt.Sprintf("user_sessions:%d", userID) }

// Initialize creates an empty session owned by userID and records it in the
// user's session history.
func (m *Manager) Initialize(ctx context.Context, userID int64) (string, error) {
	id := uuid.NewString()
	record := types.SessionRecord{
		ID:        id,
		UserID:    userID,
		Models:    []string{},
		Status:    types.SessionActive,
		CreatedAt: time.Now(),
	}
	if err := m.store.SetJSON(ctx, sessionStateKey(id), record, sessionTTL); err != nil {
		return "", fmt.Errorf("persist session state: %w", err)
	}
	if err := m.store.SAdd(ctx, userSessionsKey(userID), id); err != nil {
		return "", fmt.Errorf("record user session history: %w", err)
	}
	if err := m.store.Expire(ctx, userSessionsKey(userID), userHistoryTTL); err != nil {
		m.logger.Warn("failed to extend user session history ttl", zap.Int64("user_id", userID), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.IncSessionsActive()
	}
	return id, nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	var record types.SessionRecord
	if err := m.store.GetJSON(ctx, sessionStateKey(sessionID), &record); err != nil {
		if store.IsMiss(err) {
			return nil, types.NewError(types.ErrSessionNotFound, "session not found").WithKeyID(sessionID)
		}
		return nil, fmt.Errorf("load session state: %w", err)
	}
	return &record, nil
}

func splitModel(m string) (provider, model string, ok bool) {
	parts := strings.SplitN(m, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func toModelRequests(models []string) []karpc.ModelRequest {
	seen := make(map[string]bool, len(models))
	out := make([]karpc.ModelRequest, 0, len(models))
	for _, mm := range models {
		provider, model, ok := splitModel(mm)
		if !ok {
			continue
		}
		key := provider + "/" + model
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, karpc.ModelRequest{Provider: provider, Model: model})
	}
	return out
}

// UpdateModels stores the session's new selected-models list, clears the
// binding when it no longer matches, and regenerates the candidate list.
func (m *Manager) UpdateModels(ctx context.Context, sessionID string, models []string) (needsDisconnect bool, message string, err error) {
	record, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return false, "", err
	}

	if record.BoundEndpointID != "" {
		bound := record.BoundProvider + "/" + record.BoundModel
		stillSelected := false
		for _, mm := range models {
			if mm == bound {
				stillSelected = true
				break
			}
		}
		if !stillSelected {
			record.BoundEndpointID = ""
			record.BoundKeyHash = ""
			record.BoundProvider = ""
			record.BoundModel = ""
			needsDisconnect = true
			message = "selected models changed; active endpoint disconnected"
		}
	}
	record.Models = models

	reply, err := m.ka.SelectKeysForSession(ctx, karpc.SelectKeysArgs{
		SessionID:     sessionID,
		UserID:        record.UserID,
		Models:        toModelRequests(models),
		CountPerModel: candidateCount,
	})
	if err != nil {
		return false, "", fmt.Errorf("select candidate keys: %w", err)
	}

	if _, err := m.persistCandidates(ctx, sessionID, reply.Keys); err != nil {
		return false, "", err
	}

	if err := m.store.SetJSON(ctx, sessionStateKey(sessionID), record, sessionTTL); err != nil {
		return false, "", fmt.Errorf("persist session state: %w", err)
	}
	return needsDisconnect, message, nil
}

// persistCandidates writes each selected key as a full endpoint record
// (with secret) and the externally-visible candidate list (without secret).
func (m *Manager) persistCandidates(ctx context.Context, sessionID string, keys []karpc.SelectedKey) ([]types.EndpointRecord, error) {
	now := time.Now()
	full := make([]types.EndpointRecord, 0, len(keys))
	external := make([]types.EndpointRecord, 0, len(keys))

	for _, k := range keys {
		id := deriveEndpointID(k.Provider, k.Model, k.KeyID, sessionID, now)
		record := types.EndpointRecord{
			ID:           id,
			Provider:     k.Provider,
			Model:        k.Model,
			KeyID:        k.KeyID,
			Secret:       k.Secret,
			SessionID:    sessionID,
			HourlyTokens: k.HourlyTokens,
			LifeTokens:   k.LifeTokens,
			Status:       types.KeyStatus(k.Status),
			CreatedAt:    now,
		}
		if err := m.store.SetJSON(ctx, endpointKey(id), record, sessionTTL); err != nil {
			return nil, fmt.Errorf("persist endpoint record: %w", err)
		}
		full = append(full, record)
		view := record
		view.Secret = ""
		external = append(external, view)
	}

	if err := m.store.SetJSON(ctx, sessionEndpointsKey(sessionID), external, sessionTTL); err != nil {
		return nil, fmt.Errorf("persist candidate list: %w", err)
	}
	return full, nil
}

// GetCandidates returns the session's current candidate endpoint list,
// never including secret material.
func (m *Manager) GetCandidates(ctx context.Context, sessionID string) ([]types.EndpointRecord, error) {
	var candidates []types.EndpointRecord
	if err := m.store.GetJSON(ctx, sessionEndpointsKey(sessionID), &candidates); err != nil {
		if store.IsMiss(err) {
			return []types.EndpointRecord{}, nil
		}
		return nil, fmt.Errorf("load candidate list: %w", err)
	}
	return candidates, nil
}

// ChosenEndpoint is ChooseEndpoint's result.
type ChosenEndpoint struct {
	Provider   string
	Model      string
	EndpointID string
	KeyHash    string
}

// ChooseEndpoint binds the session to one candidate endpoint. A nil
// endpointID picks uniformly at random using a cryptographic RNG.
func (m *Manager) ChooseEndpoint(ctx context.Context, sessionID string, endpointID *string) (*ChosenEndpoint, error) {
	candidates, err := m.GetCandidates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrNoKeys, "no candidate endpoints available").WithKeyID(sessionID)
	}

	var chosen *types.EndpointRecord
	if endpointID == nil {
		idx, err := idhash.RandIndex(len(candidates))
		if err != nil {
			return nil, fmt.Errorf("choose random candidate: %w", err)
		}
		chosen = &candidates[idx]
	} else {
		for i := range candidates {
			if candidates[i].ID == *endpointID {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			return nil, types.NewError(types.ErrInvalidInput, "endpoint id is not a current candidate").WithKeyID(*endpointID)
		}
	}

	var full types.EndpointRecord
	if err := m.store.GetJSON(ctx, endpointKey(chosen.ID), &full); err != nil {
		if store.IsMiss(err) {
			return nil, types.NewError(types.ErrEndpointExpired, "endpoint record expired").WithKeyID(chosen.ID)
		}
		return nil, fmt.Errorf("load endpoint record: %w", err)
	}

	keyHash := sessionKeyHash(full.KeyID, sessionID, hourBucket(time.Now()))

	record, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	record.BoundEndpointID = full.ID
	record.BoundKeyHash = keyHash
	record.BoundProvider = full.Provider
	record.BoundModel = full.Model
	if err := m.store.SetJSON(ctx, sessionStateKey(sessionID), record, sessionTTL); err != nil {
		return nil, fmt.Errorf("persist session binding: %w", err)
	}

	return &ChosenEndpoint{Provider: full.Provider, Model: full.Model, EndpointID: full.ID, KeyHash: keyHash}, nil
}

// GetBoundEndpointInstance materializes a provider driver from the session's
// currently bound endpoint, or nil if the session has no binding.
func (m *Manager) GetBoundEndpointInstance(ctx context.Context, sessionID string) (driver.Driver, error) {
	record, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.BoundEndpointID == "" {
		return nil, nil
	}

	var full types.EndpointRecord
	if err := m.store.GetJSON(ctx, endpointKey(record.BoundEndpointID), &full); err != nil {
		if store.IsMiss(err) {
			return nil, types.NewError(types.ErrEndpointExpired, "endpoint record expired").WithKeyID(record.BoundEndpointID)
		}
		return nil, fmt.Errorf("load bound endpoint record: %w", err)
	}

	d, err := m.catalog.Build(full.Provider, full.Model, full.Secret)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "unable to build provider driver").WithCause(err)
	}
	return d, nil
}

// CheckStatus reports the session's externally visible lifecycle state.
// An invalid session (never existed for this user) is logged as a
// suspicious-access event including the caller's address.
func (m *Manager) CheckStatus(ctx context.Context, userID int64, sessionID, clientAddr string) (types.SessionStatus, error) {
	if _, err := m.loadSession(ctx, sessionID); err == nil {
		return types.SessionActive, nil
	}

	everOwned, err := m.store.SIsMember(ctx, userSessionsKey(userID), sessionID)
	if err != nil {
		return "", fmt.Errorf("check user session history: %w", err)
	}
	if everOwned {
		return types.SessionExpired, nil
	}

	m.recordSuspiciousActivity(ctx, userID, sessionID, clientAddr)
	return types.SessionInvalid, nil
}

type suspiciousActivityRecord struct {
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	ClientAddr string    `json:"client_addr"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m *Manager) recordSuspiciousActivity(ctx context.Context, userID int64, sessionID, clientAddr string) {
	now := time.Now()
	key := fmt.Sprintf("suspicious_activity:%d:%d", now.Unix(), userID)
	record := suspiciousActivityRecord{SessionID: sessionID, UserID: userID, ClientAddr: clientAddr, Timestamp: now}
	if err := m.store.SetJSON(ctx, key, record, suspiciousTTL); err != nil {
		m.logger.Error("failed to record suspicious activity", zap.Error(err))
	}
	m.logger.Warn("invalid session access",
		zap.Int64("user_id", userID), zap.String("session_id", sessionID), zap.String("client_addr", clientAddr))
}

// End terminates a session: releases its keys, deletes its state, and
// removes it from the user's history.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	record, err := m.loadSession(ctx, sessionID)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrSessionNotFound {
			return nil
		}
		return err
	}

	if err := m.ka.ReleaseKey(ctx, sessionID); err != nil {
		m.logger.Warn("failed to release session keys", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := m.deleteCandidates(ctx, sessionID); err != nil {
		m.logger.Warn("failed to delete candidate endpoints", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := m.store.Delete(ctx, sessionStateKey(sessionID), sessionEndpointsKey(sessionID)); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	if err := m.store.SRem(ctx, userSessionsKey(record.UserID), sessionID); err != nil {
		m.logger.Warn("failed to remove session from user history", zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.DecSessionsActive()
	}
	return nil
}

func (m *Manager) deleteCandidates(ctx context.Context, sessionID string) error {
	candidates, err := m.GetCandidates(ctx, sessionID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, endpointKey(c.ID))
	}
	if len(keys) == 0 {
		return nil
	}
	return m.store.Delete(ctx, keys...)
}

// CompleteStatelessTurn implements single-turn completion (§4.2, called by
// the router after each stateless request): invalidate the candidate set,
// clear the binding, and if the session still has selected models,
// regenerate candidates and auto-choose one.
func (m *Manager) CompleteStatelessTurn(ctx context.Context, sessionID string) error {
	record, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := m.deleteCandidates(ctx, sessionID); err != nil {
		m.logger.Warn("failed to invalidate candidates", zap.Error(err))
	}
	if err := m.store.Delete(ctx, sessionEndpointsKey(sessionID)); err != nil {
		m.logger.Warn("failed to clear candidate list", zap.Error(err))
	}

	record.BoundEndpointID = ""
	record.BoundKeyHash = ""
	record.BoundProvider = ""
	record.BoundModel = ""
	if err := m.store.SetJSON(ctx, sessionStateKey(sessionID), record, sessionTTL); err != nil {
		return fmt.Errorf("persist cleared binding: %w", err)
	}

	if len(record.Models) == 0 {
		return nil
	}

	if _, _, err := m.UpdateModels(ctx, sessionID, record.Models); err != nil {
		return fmt.Errorf("regenerate candidates: %w", err)
	}
	if _, err := m.ChooseEndpoint(ctx, sessionID, nil); err != nil {
		return fmt.Errorf("auto-choose endpoint: %w", err)
	}
	return nil
}
