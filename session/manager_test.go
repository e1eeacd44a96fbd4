package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/internal/karpc"
	"github.com/veilrelay/gateway/internal/secretstore"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/keyalloc"
	"github.com/veilrelay/gateway/types"
)

type fakeDriver struct{ provider, model string }

func (f *fakeDriver) Provider() string { return f.provider }
func (f *fakeDriver) Model() string    { return f.model }
func (f *fakeDriver) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	return &types.CompletionResult{Content: "ok"}, nil
}
func (f *fakeDriver) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	return nil, nil
}

type fakeCatalog struct{}

func (fakeCatalog) Build(provider, model, secret string) (driver.Driver, error) {
	return &fakeDriver{provider: provider, model: model}, nil
}

type testHarness struct {
	sm *Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	sessionRedis := miniredis.RunT(t)
	sessionStore, err := store.NewManager(store.Config{Addr: sessionRedis.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sessionStore.Close() })

	counterRedis := miniredis.RunT(t)
	counterStore, err := store.NewManager(store.Config{Addr: counterRedis.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { counterStore.Close() })

	secrets, err := secretstore.NewMemoryStore("")
	require.NoError(t, err)

	allocator := keyalloc.New(counterStore, secrets, zap.NewNop())
	service := karpc.NewKeyAllocatorService(allocator, zap.NewNop())

	socketPath := filepath.Join(t.TempDir(), "keyserver.sock")
	server, err := karpc.NewServer(socketPath, service, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client := karpc.NewClient(socketPath, time.Second, 5*time.Second)

	_, err = allocator.ReloadKeys(context.Background(), writeKeysFile(t, "openai,gpt-4o,sk-a\nopenai,gpt-4o,sk-b\n"))
	require.NoError(t, err)

	sm := New(sessionStore, client, fakeCatalog{}, zap.NewNop())
	return &testHarness{sm: sm}
}

func writeKeysFile(t *testing.T, csv string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,model,api_key\n"+csv), 0o600))
	return path
}

func TestInitializeAndUpdateModels(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sessionID, err := h.sm.Initialize(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	needsDisconnect, _, err := h.sm.UpdateModels(ctx, sessionID, []string{"openai/gpt-4o"})
	require.NoError(t, err)
	require.False(t, needsDisconnect)

	candidates, err := h.sm.GetCandidates(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		require.Empty(t, c.Secret, "candidate list must never carry secret material")
	}
}

func TestChooseEndpointBindsSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sessionID, err := h.sm.Initialize(ctx, 7)
	require.NoError(t, err)
	_, _, err = h.sm.UpdateModels(ctx, sessionID, []string{"openai/gpt-4o"})
	require.NoError(t, err)

	chosen, err := h.sm.ChooseEndpoint(ctx, sessionID, nil)
	require.NoError(t, err)
	require.Equal(t, "openai", chosen.Provider)
	require.Len(t, chosen.EndpointID, 20)
	require.Len(t, chosen.KeyHash, 24)

	d, err := h.sm.GetBoundEndpointInstance(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "openai", d.Provider())
}

func TestEndpointIDsDifferAcrossSessions(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	s1, err := h.sm.Initialize(ctx, 1)
	require.NoError(t, err)
	_, _, err = h.sm.UpdateModels(ctx, s1, []string{"openai/gpt-4o"})
	require.NoError(t, err)
	c1, err := h.sm.GetCandidates(ctx, s1)
	require.NoError(t, err)

	s2, err := h.sm.Initialize(ctx, 1)
	require.NoError(t, err)
	_, _, err = h.sm.UpdateModels(ctx, s2, []string{"openai/gpt-4o"})
	require.NoError(t, err)
	c2, err := h.sm.GetCandidates(ctx, s2)
	require.NoError(t, err)

	for _, a := range c1 {
		for _, b := range c2 {
			require.NotEqual(t, a.ID, b.ID, "endpoint ids must not collide across sessions even for the same underlying key")
		}
	}
}

func TestCheckStatus(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sessionID, err := h.sm.Initialize(ctx, 99)
	require.NoError(t, err)

	status, err := h.sm.CheckStatus(ctx, 99, sessionID, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, types.SessionActive, status)

	require.NoError(t, h.sm.End(ctx, sessionID))

	status, err = h.sm.CheckStatus(ctx, 99, sessionID, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, types.SessionExpired, status)

	status, err = h.sm.CheckStatus(ctx, 99, "never-existed-session", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, types.SessionInvalid, status)
}

func TestCompleteStatelessTurnResetsBindingAndReselects(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sessionID, err := h.sm.Initialize(ctx, 5)
	require.NoError(t, err)
	_, _, err = h.sm.UpdateModels(ctx, sessionID, []string{"openai/gpt-4o"})
	require.NoError(t, err)
	firstChoice, err := h.sm.ChooseEndpoint(ctx, sessionID, nil)
	require.NoError(t, err)

	require.NoError(t, h.sm.CompleteStatelessTurn(ctx, sessionID))

	record, err := h.sm.loadSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, record.BoundEndpointID, "non-empty model list re-selects a fresh binding")
	require.NotEqual(t, firstChoice.EndpointID, record.BoundEndpointID, "single-turn completion must mint a fresh endpoint id")
}
