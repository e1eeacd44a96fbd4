// Package router implements the Query Router (§4.3): the only component
// that ever contacts a provider. It resolves a dispatch target — either a
// caller-supplied endpoint id or a freshly minted temporary one — and
// dispatches the (possibly privacy-rewritten) prompt either as a regular
// send or, when decoys are present, via temporal mixing.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/internal/idhash"
	"github.com/veilrelay/gateway/internal/karpc"
	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/types"
)

// tempEndpointTTL is the lifetime of an endpoint record minted for a
// models-only dispatch with no caller session (§4.3: "TTL equal to the
// request's effective lifetime, e.g. 5 min for stateless").
const tempEndpointTTL = 5 * time.Minute

// providerCallTimeout bounds every driver call (§5: "Provider calls carry a
// 180s deadline").
const providerCallTimeout = 180 * time.Second

func endpointKey(id string) string { return "endpoint:" + id }

// Router is the Query Router. One instance is shared by every HTTP handler.
type Router struct {
	store   *store.Manager
	ka      *karpc.Client
	catalog driver.Catalog
	logger  *zap.Logger
	metrics *metrics.Collector

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	decoys         decoyTracker
}

// Option configures a Router at construction.
type Option func(*Router)

// WithMetrics wires a metrics.Collector so dispatch reports
// decoys_dispatched_total and route_duration_seconds under the collector's
// namespace.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// New builds a Router. store must point at the same Redis logical store the
// Session Manager uses, since direct dispatch reads endpoint records the SM
// persisted.
func New(endpointStore *store.Manager, ka *karpc.Client, catalog driver.Catalog, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:          endpointStore,
		ka:             ka,
		catalog:        catalog,
		logger:         logger,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Shutdown cancels every background decoy task still running. Per §5,
// decoys are never cancelled on client cancellation — only here, at process
// shutdown.
func (r *Router) Shutdown() {
	r.shutdownCancel()
}

// RouteParams is Route's request shape, mirroring §4.3's public contract.
type RouteParams struct {
	UserID     int64
	Messages   []types.Message
	Streaming  bool
	Stateless  bool
	EndpointID *string
	Models     []string
	Decoys     []string
}

// RouteMetadata is the only dispatch metadata returned to the caller.
// Per §4.3 step 7, leaking a decoy's position in the permutation would
// undo the shuffle, so nothing beyond these two fields is reported.
type RouteMetadata struct {
	Active       bool `json:"active"`
	TotalQueries int  `json:"total_queries"`
}

// RouteResult is Route's response. Exactly one of Stream or Content is set,
// depending on RouteParams.Streaming. EndpointID/Provider/Model identify the
// endpoint that was actually dispatched to, so callers that resolved via
// Models (and therefore never chose the endpoint themselves) can still
// report it (§6 scenario A: response meta_data carries endpoint_id, model).
type RouteResult struct {
	EndpointID   string
	Provider     string
	Model        string
	Content      string
	Usage        types.Usage
	Stream       <-chan driver.Event
	Metadata     RouteMetadata
	Alternatives []types.EndpointRecord
}

// Route resolves a dispatch target and dispatches the prompt, per §4.3.
func (r *Router) Route(ctx context.Context, params RouteParams) (*RouteResult, error) {
	target, alternatives, err := r.resolveTarget(ctx, params)
	if err != nil {
		return nil, err
	}

	result, err := r.dispatch(ctx, dispatchInput{
		Provider:  target.Provider,
		Model:     target.Model,
		Secret:    target.Secret,
		Messages:  params.Messages,
		Streaming: params.Streaming,
		Decoys:    params.Decoys,
	})
	if err != nil {
		return nil, err
	}
	result.EndpointID = target.ID
	result.Provider = target.Provider
	result.Model = target.Model
	result.Alternatives = alternatives
	return result, nil
}

// resolveTarget implements §4.3's two dispatch-resolution branches.
func (r *Router) resolveTarget(ctx context.Context, params RouteParams) (*types.EndpointRecord, []types.EndpointRecord, error) {
	if params.EndpointID != nil {
		var full types.EndpointRecord
		if err := r.store.GetJSON(ctx, endpointKey(*params.EndpointID), &full); err != nil {
			if store.IsMiss(err) {
				return nil, nil, types.NewError(types.ErrEndpointExpired, "endpoint record expired").WithKeyID(*params.EndpointID)
			}
			return nil, nil, fmt.Errorf("load endpoint record: %w", err)
		}
		return &full, nil, nil
	}

	if len(params.Models) == 0 {
		return nil, nil, types.NewError(types.ErrInvalidInput, "either endpoint_id or models must be given")
	}

	tempSessionID := fmt.Sprintf("temp_%d_%d", params.UserID, time.Now().UnixNano())
	reply, err := r.ka.SelectKeysForSession(ctx, karpc.SelectKeysArgs{
		SessionID:     tempSessionID,
		UserID:        params.UserID,
		Models:        toModelRequests(params.Models),
		CountPerModel: 1,
	})
	if err != nil {
		return nil, nil, types.NewError(types.ErrUnavailable, "unable to resolve a provider key").WithCause(err)
	}
	if len(reply.Keys) == 0 {
		return nil, nil, types.NewError(types.ErrNoKeys, "no keys available for the requested models")
	}

	idx, err := idhash.RandIndex(len(reply.Keys))
	if err != nil {
		return nil, nil, fmt.Errorf("choose random key: %w", err)
	}

	now := time.Now()
	alternatives := make([]types.EndpointRecord, 0, len(reply.Keys)-1)
	var chosen *types.EndpointRecord

	for i, k := range reply.Keys {
		id := idhash.DeriveEndpointID(k.Provider, k.Model, k.KeyID, tempSessionID, now)
		record := types.EndpointRecord{
			ID:           id,
			Provider:     k.Provider,
			Model:        k.Model,
			KeyID:        k.KeyID,
			Secret:       k.Secret,
			SessionID:    tempSessionID,
			HourlyTokens: k.HourlyTokens,
			LifeTokens:   k.LifeTokens,
			Status:       types.KeyStatus(k.Status),
			CreatedAt:    now,
		}
		if i == idx {
			if err := r.store.SetJSON(ctx, endpointKey(id), record, tempEndpointTTL); err != nil {
				return nil, nil, fmt.Errorf("persist temporary endpoint record: %w", err)
			}
			chosen = &record
			continue
		}
		view := record
		view.Secret = ""
		alternatives = append(alternatives, view)
	}

	return chosen, alternatives, nil
}

func splitModel(m string) (provider, model string, ok bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == '/' {
			if i == 0 || i == len(m)-1 {
				return "", "", false
			}
			return m[:i], m[i+1:], true
		}
	}
	return "", "", false
}

func toModelRequests(models []string) []karpc.ModelRequest {
	seen := make(map[string]bool, len(models))
	out := make([]karpc.ModelRequest, 0, len(models))
	for _, m := range models {
		provider, model, ok := splitModel(m)
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
