package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/privacy/pii"
	"github.com/veilrelay/gateway/types"
)

func newTestStore(t *testing.T) *store.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := store.NewManager(store.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestProcessRequestIdentityDefaults(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())
	messages := []types.Message{types.NewMessage(types.RoleUser, "hello there")}

	out, meta, err := p.ProcessRequest(context.Background(), RequestParams{Messages: messages})
	require.NoError(t, err)
	require.Equal(t, messages, out)
	require.False(t, meta.PIIDetected)
	require.False(t, meta.Obfuscated)
	require.Equal(t, messages, meta.Original)
}

func TestProcessRequestWithScrubberDetectsPII(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop(), WithScrubber(pii.NewPatternScrubber()))
	messages := []types.Message{types.NewMessage(types.RoleUser, "email me at a@b.com")}

	out, meta, err := p.ProcessRequest(context.Background(), RequestParams{Messages: messages, PII: true})
	require.NoError(t, err)
	require.True(t, meta.PIIDetected)
	require.NotEqual(t, messages[0].Content, out[0].Content)
	// The pristine original must still be reachable for decoy generation.
	require.Equal(t, messages, meta.Original)
}

func TestObfuscateRequiresSessionID(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())
	_, _, err := p.ProcessRequest(context.Background(), RequestParams{
		Messages:  []types.Message{types.NewMessage(types.RoleUser, "hi")},
		Obfuscate: true,
	})
	require.Error(t, err)
}

func TestObfuscationRoundTrip(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())
	ctx := context.Background()
	sessionID := "sess-1"

	_, meta, err := p.ProcessRequest(ctx, RequestParams{
		Messages:  []types.Message{types.NewMessage(types.RoleUser, "hi")},
		Obfuscate: true,
		SessionID: sessionID,
	})
	require.NoError(t, err)
	require.True(t, meta.Obfuscated)
	require.NotEmpty(t, meta.MappingID)

	content := "this is the provider's raw response"
	restored, err := p.ProcessResponse(ctx, sessionID, meta.Obfuscated, content)
	require.NoError(t, err)
	require.Equal(t, content, restored, "baseline transform is identity, so round trip must be a no-op")
}

func TestObfuscationReversesScrubTokens(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop(), WithScrubber(pii.NewPatternScrubber()))
	ctx := context.Background()
	sessionID := "sess-2"

	processed, meta, err := p.ProcessRequest(ctx, RequestParams{
		Messages:  []types.Message{types.NewMessage(types.RoleUser, "email a@b.com")},
		PII:       true,
		Obfuscate: true,
		SessionID: sessionID,
	})
	require.NoError(t, err)
	require.True(t, meta.PIIDetected)
	require.True(t, meta.Obfuscated)

	var token string
	for _, m := range processed {
		if pii.HasToken(m.Content) {
			token = m.Content
		}
	}
	require.NotEmpty(t, token)

	restored, err := p.ProcessResponse(ctx, sessionID, true, token)
	require.NoError(t, err)
	require.Equal(t, "email a@b.com", restored)
}

func TestProcessResponseNoOpWhenNotObfuscated(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())
	out, err := p.ProcessResponse(context.Background(), "sess-3", false, "unchanged")
	require.NoError(t, err)
	require.Equal(t, "unchanged", out)
}

func TestProcessResponseLazilyPurgesExpiredMapping(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())
	out, err := p.ProcessResponse(context.Background(), "never-obfuscated-session", true, "raw content")
	require.NoError(t, err)
	require.Equal(t, "raw content", out, "a missing mapping record must pass content through unchanged")
}

func TestGenerateDecoysOnlyForStatelessDecoyRequests(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop())

	decoys, err := p.GenerateDecoys(RequestParams{Decoy: true, Stateless: false}, 2)
	require.NoError(t, err)
	require.Nil(t, decoys, "stateful conversations must never receive decoys")

	decoys, err = p.GenerateDecoys(RequestParams{Decoy: false, Stateless: true}, 2)
	require.NoError(t, err)
	require.Nil(t, decoys)

	decoys, err = p.GenerateDecoys(RequestParams{Decoy: true, Stateless: true}, 2)
	require.NoError(t, err)
	require.Len(t, decoys, 2)
}

func TestGenerateDecoysRespectsGate(t *testing.T) {
	p := New(newTestStore(t), zap.NewNop(), WithGate(func() bool { return false }))
	decoys, err := p.GenerateDecoys(RequestParams{Decoy: true, Stateless: true}, 2)
	require.NoError(t, err)
	require.Nil(t, decoys)
}

func TestScoreFormula(t *testing.T) {
	require.InDelta(t, 0.5, Score(false, false, 0), 1e-9)
	require.InDelta(t, 0.7, Score(true, false, 0), 1e-9)
	require.InDelta(t, 0.8, Score(false, true, 0), 1e-9)
	require.InDelta(t, 1.0, Score(true, true, 0), 1e-9)
	// 50 messages * 0.01 = 0.5, capped at 0.2.
	require.InDelta(t, 0.8, Score(true, true, 50), 1e-9)
	require.InDelta(t, 0.3, Score(false, false, 50), 1e-9)
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	require.GreaterOrEqual(t, Score(false, false, 1000), 0.0)
	require.LessOrEqual(t, Score(true, true, 0), 1.0)
}
