package router

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/types"
)

// dispatchInput carries everything Dispatch needs to build one or more
// independent driver instances over the same (provider, model, secret).
type dispatchInput struct {
	Provider  string
	Model     string
	Secret    string
	Messages  []types.Message
	Streaming bool
	Decoys    []string
}

// dispatch implements §4.3's Dispatch: an empty decoy list is a regular
// send; a non-empty one triggers temporal mixing.
func (r *Router) dispatch(ctx context.Context, in dispatchInput) (*RouteResult, error) {
	start := time.Now()
	mode := "regular"
	if len(in.Decoys) != 0 {
		mode = "temporal_mix"
	}

	var result *RouteResult
	var err error
	if mode == "regular" {
		result, err = r.regularSend(ctx, in)
	} else {
		result, err = r.temporalMix(ctx, in)
	}

	if r.metrics != nil && err == nil {
		r.metrics.RecordRouteDuration(in.Provider, in.Model, mode, time.Since(start))
	}
	return result, err
}

// regularSend implements §4.3's "Regular send": stream when asked, else
// prefer the non-streaming call (every driver.Driver implements both
// directly, so no stream-draining fallback is needed here).
func (r *Router) regularSend(ctx context.Context, in dispatchInput) (*RouteResult, error) {
	d, err := r.buildDriver(in.Provider, in.Model, in.Secret)
	if err != nil {
		return nil, err
	}

	if in.Streaming {
		// The streaming deadline lives with the caller's own request
		// context; a deadline scoped to this call would fire mid-stream
		// the moment regularSend returns.
		ch, err := d.Stream(ctx, in.Messages)
		if err != nil {
			return nil, wrapDriverError(err)
		}
		return &RouteResult{Stream: ch, Metadata: RouteMetadata{Active: true, TotalQueries: 1}}, nil
	}

	completeCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	result, err := d.Complete(completeCtx, in.Messages)
	if err != nil {
		return nil, wrapDriverError(err)
	}
	return &RouteResult{
		Content:  result.Content,
		Usage:    result.Usage,
		Metadata: RouteMetadata{Active: true, TotalQueries: 1},
	}, nil
}

func (r *Router) buildDriver(provider, model, secret string) (driver.Driver, error) {
	d, err := r.catalog.Build(provider, model, secret)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "unable to build provider driver").WithCause(err)
	}
	return d, nil
}

func wrapDriverError(err error) error {
	if _, ok := err.(*types.Error); ok {
		return err
	}
	return types.NewError(types.ErrUpstreamFailure, "provider request failed").WithCause(err)
}

// temporalMix implements §4.3's temporal mixing: M = len(decoys)+1 prompts
// are shuffled and launched as M independent driver instances
// simultaneously; only the real task (original index 0) is awaited, the
// rest continue in the background and are tracked for shutdown-only
// cancellation.
func (r *Router) temporalMix(ctx context.Context, in dispatchInput) (*RouteResult, error) {
	prompts := make([][]types.Message, len(in.Decoys)+1)
	prompts[0] = in.Messages
	for i, decoy := range in.Decoys {
		prompts[i+1] = []types.Message{types.NewMessage(types.RoleUser, decoy)}
	}
	total := len(prompts)

	perm, err := shufflePermutation(total)
	if err != nil {
		return nil, fmt.Errorf("shuffle temporal-mixing permutation: %w", err)
	}

	realCh := make(chan realOutcome, 1)

	for _, origIdx := range perm {
		origIdx := origIdx
		d, err := r.buildDriver(in.Provider, in.Model, in.Secret)
		if err != nil {
			if origIdx == 0 {
				return nil, err
			}
			r.logger.Debug("decoy driver build failed", zap.Error(err))
			continue
		}

		if origIdx == 0 {
			go r.runReal(ctx, d, prompts[0], in.Streaming, realCh)
			continue
		}
		r.launchDecoy(in.Provider, in.Model, d, prompts[origIdx], in.Streaming)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-realCh:
		if out.err != nil {
			return nil, wrapDriverError(out.err)
		}
		return &RouteResult{
			Content:  out.content,
			Usage:    out.usage,
			Stream:   out.stream,
			Metadata: RouteMetadata{Active: true, TotalQueries: total},
		}, nil
	}
}

// realOutcome carries the real task's result back to temporalMix. Exactly
// one of stream or content/usage is populated, matching RouteResult.
type realOutcome struct {
	content string
	usage   types.Usage
	stream  <-chan driver.Event
	err     error
}

func (r *Router) runReal(ctx context.Context, d driver.Driver, messages []types.Message, streaming bool, out chan<- realOutcome) {
	if streaming {
		ch, err := d.Stream(ctx, messages)
		out <- realOutcome{stream: ch, err: err}
		return
	}
	completeCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	result, err := d.Complete(completeCtx, messages)
	if err != nil {
		out <- realOutcome{err: err}
		return
	}
	out <- realOutcome{content: result.Content, usage: result.Usage}
}

// launchDecoy runs one decoy request to completion in the background,
// discarding its result. It is tracked so Shutdown can cancel it; client
// cancellation of the original request must never reach it.
func (r *Router) launchDecoy(provider, model string, d driver.Driver, messages []types.Message, streaming bool) {
	decoyCtx, cancel := context.WithCancel(r.shutdownCtx)
	decoyCtx, timeoutCancel := context.WithTimeout(decoyCtx, providerCallTimeout)
	token := r.decoys.track(func() {
		cancel()
		timeoutCancel()
	})

	if r.metrics != nil {
		r.metrics.RecordDecoyDispatched(provider, model)
	}

	go func() {
		defer func() {
			cancel()
			timeoutCancel()
			r.decoys.untrack(token)
		}()

		if streaming {
			ch, err := d.Stream(decoyCtx, messages)
			if err != nil {
				r.logger.Debug("decoy stream dispatch failed", zap.Error(err))
				return
			}
			for ev := range ch {
				if ev.Err != nil {
					r.logger.Debug("decoy stream chunk error", zap.Error(ev.Err))
				}
			}
			return
		}

		if _, err := d.Complete(decoyCtx, messages); err != nil {
			r.logger.Debug("decoy completion failed", zap.Error(err))
		}
	}()
}

// decoyTracker is the "tracked set with done-callbacks" §4.3 describes for
// background decoy bookkeeping, keyed by an opaque token so concurrent
// decoys never collide.
type decoyTracker struct {
	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	next    uint64
}

func (t *decoyTracker) track(cancel context.CancelFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancels == nil {
		t.cancels = make(map[uint64]context.CancelFunc)
	}
	token := t.next
	t.next++
	t.cancels[token] = cancel
	return token
}

func (t *decoyTracker) untrack(token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancels, token)
}

// shufflePermutation returns a cryptographically random permutation of
// 0..n-1 (§4.3 step 2: "cryptographically shuffle the indices").
func shufflePermutation(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		max := big.NewInt(int64(i + 1))
		j, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, err
		}
		jj := int(j.Int64())
		perm[i], perm[jj] = perm[jj], perm[i]
	}
	return perm, nil
}
