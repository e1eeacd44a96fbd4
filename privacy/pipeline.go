// Package privacy implements the Privacy Pipeline (§4.4): pure request/
// response orchestration around PII scrubbing, reversible obfuscation,
// decoy generation, and the privacy-score metric. It never contacts a
// provider; the router is the only component that does that.
package privacy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/internal/metrics"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/privacy/pii"
	"github.com/veilrelay/gateway/types"
)

// scoreBase, scorePII, scoreObfuscate, and the per-message penalty implement
// §4.4's privacy-score formula exactly.
const (
	scoreBase          = 0.5
	scorePII           = 0.2
	scoreObfuscate     = 0.3
	scorePerMessage    = 0.01
	scorePerMessageCap = 0.2
)

// Pipeline is the Privacy Pipeline. One instance is shared by every HTTP
// handler; its only state is the obfuscation-mapping store.
type Pipeline struct {
	scrubber   pii.Scrubber
	obfuscator Obfuscator
	gate       GateFunc
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithScrubber overrides the default identity PII scrubber.
func WithScrubber(s pii.Scrubber) Option {
	return func(p *Pipeline) { p.scrubber = s }
}

// WithGate overrides the default always-approve decoy gate.
func WithGate(g GateFunc) Option {
	return func(p *Pipeline) { p.gate = g }
}

// WithMetrics wires a metrics.Collector so ProcessRequest reports
// obfuscations_recorded_total, under the collector's namespace, whenever it
// persists a mapping record.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// New builds a Pipeline backed by mappingStore for obfuscation records.
func New(mappingStore *store.Manager, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		scrubber:   pii.Identity{},
		obfuscator: NewObfuscator(mappingStore),
		gate:       AllowAll,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestParams is ProcessRequest's input, mirroring §4.4's tuple.
type RequestParams struct {
	Messages  []types.Message
	PII       bool
	Obfuscate bool
	Decoy     bool
	Stateless bool
	SessionID string
}

// RequestMetadata is returned alongside the processed messages. Original
// carries the pristine, pre-scrub input so decoy generation never sees
// obfuscated or scrubbed text (§4.4: "the *original* messages... to avoid
// feeding the decoy generator obfuscated text").
type RequestMetadata struct {
	PIIDetected    bool
	Obfuscated     bool
	DecoyRequested bool
	MappingID      string
	Original       []types.Message
}

// ProcessRequest implements §4.4's request-processing steps 1-3.
func (p *Pipeline) ProcessRequest(ctx context.Context, params RequestParams) ([]types.Message, RequestMetadata, error) {
	meta := RequestMetadata{
		DecoyRequested: params.Decoy,
		Original:       params.Messages,
	}

	processed := params.Messages
	var scrubTokens map[string]string
	if params.PII {
		var detected map[string]string
		processed, detected = p.scrubber.Scrub(processed)
		meta.PIIDetected = len(detected) > 0
		scrubTokens = detected
	}

	if params.Obfuscate {
		if params.SessionID == "" {
			return nil, RequestMetadata{}, fmt.Errorf("obfuscate requires a session id")
		}
		obfuscated, err := p.obfuscator.Obfuscate(ctx, params.SessionID, processed, scrubTokens)
		if err != nil {
			return nil, RequestMetadata{}, err
		}
		processed = obfuscated
		meta.Obfuscated = true
		meta.MappingID = newMappingID()

		if p.metrics != nil {
			p.metrics.RecordObfuscation(meta.PIIDetected)
		}
	}

	return processed, meta, nil
}

// GenerateDecoys implements §4.4's decoy generation: only for stateless
// requests, only when the gate approves, and always over the *original*
// messages' sibling prompt pool rather than the processed ones.
func (p *Pipeline) GenerateDecoys(params RequestParams, count int) ([]string, error) {
	if !params.Decoy || !params.Stateless || count <= 0 {
		return nil, nil
	}
	if !p.gate() {
		return nil, nil
	}
	return generateDecoys(count)
}

// ProcessResponse implements §4.4's response processing: invert the
// obfuscation mapping (which also reverses any PII-scrub tokens recorded
// alongside it) when obfuscation was enabled for the turn.
func (p *Pipeline) ProcessResponse(ctx context.Context, sessionID string, obfuscated bool, content string) (string, error) {
	if !obfuscated || sessionID == "" {
		return content, nil
	}
	return p.obfuscator.Deobfuscate(ctx, sessionID, content)
}

// Score implements §4.4's privacy-score formula: base 0.5, +0.2 for PII
// scrub, +0.3 for obfuscate, minus 0.01 per message capped at 0.2 total,
// clamped to [0, 1].
func Score(piiDetected, obfuscated bool, messageCount int) float64 {
	score := scoreBase
	if piiDetected {
		score += scorePII
	}
	if obfuscated {
		score += scoreObfuscate
	}
	penalty := float64(messageCount) * scorePerMessage
	if penalty > scorePerMessageCap {
		penalty = scorePerMessageCap
	}
	score -= penalty

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
