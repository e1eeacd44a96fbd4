package router

import (
	"context"
	"errors"
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

// realPromptContent is what every test's "real" message carries; fakeDriver
// tells real from decoy by inspecting the message content it's asked to
// complete, exactly as a real provider driver would have no other way to
// tell them apart either — catalog.Build is called with identical
// (provider, model, secret) for every one of the M instances.
const realPromptContent = "hi"

// fakeDriver scripts behavior separately for the real prompt vs. any decoy
// prompt, since both are built via the same catalog call and are otherwise
// indistinguishable.
type fakeDriver struct {
	provider, model string

	realContent string
	realErr     error

	decoyContent string
	decoyErr     error
	decoyBlock   <-chan struct{}
}

func (f *fakeDriver) Provider() string { return f.provider }
func (f *fakeDriver) Model() string    { return f.model }

func (f *fakeDriver) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	if len(messages) > 0 && messages[0].Content == realPromptContent {
		if f.realErr != nil {
			return nil, f.realErr
		}
		return &types.CompletionResult{Content: f.realContent, Usage: types.Usage{TotalTokens: 3}}, nil
	}

	if f.decoyBlock != nil {
		select {
		case <-f.decoyBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.decoyErr != nil {
		return nil, f.decoyErr
	}
	return &types.CompletionResult{Content: f.decoyContent}, nil
}

func (f *fakeDriver) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	return nil, nil
}

// fakeCatalog builds a fresh fakeDriver per Build call, from a template, so
// temporal mixing's "independent instance per request" invariant holds even
// though every instance shares the same scripted behavior.
type fakeCatalog struct {
	template fakeDriver
}

func (c fakeCatalog) Build(provider, model, secret string) (driver.Driver, error) {
	d := c.template
	d.provider, d.model = provider, model
	return &d, nil
}

type testHarness struct {
	r         *Router
	allocator *keyalloc.Allocator
}

func newTestHarness(t *testing.T, template fakeDriver) *testHarness {
	t.Helper()

	endpointRedis := miniredis.RunT(t)
	endpointStore, err := store.NewManager(store.Config{Addr: endpointRedis.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { endpointStore.Close() })

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

	r := New(endpointStore, client, fakeCatalog{template: template}, zap.NewNop())
	t.Cleanup(r.Shutdown)
	return &testHarness{r: r, allocator: allocator}
}

func (h *testHarness) reloadKeys(t *testing.T, csv string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,model,api_key\n"+csv), 0o600))
	_, err := h.allocator.ReloadKeys(context.Background(), path)
	require.NoError(t, err)
}

func realMessage() []types.Message {
	return []types.Message{types.NewMessage(types.RoleUser, realPromptContent)}
}

func TestRegularSendNonStreaming(t *testing.T) {
	h := newTestHarness(t, fakeDriver{realContent: "hello"})
	h.reloadKeys(t, "openai,gpt-4o,sk-a\n")
	ctx := context.Background()

	result, err := h.r.Route(ctx, RouteParams{
		UserID:   1,
		Messages: realMessage(),
		Models:   []string{"openai/gpt-4o"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Content)
	require.Equal(t, 1, result.Metadata.TotalQueries)
	require.True(t, result.Metadata.Active)
	require.Len(t, result.Alternatives, 0)
}

func TestTemporalMixingRealRespondsWithoutWaitingForDecoys(t *testing.T) {
	decoyBlock := make(chan struct{})
	t.Cleanup(func() { close(decoyBlock) })

	h := newTestHarness(t, fakeDriver{realContent: "real-answer", decoyBlock: decoyBlock})
	h.reloadKeys(t, "openai,gpt-4o,sk-a\n")
	ctx := context.Background()

	start := time.Now()
	result, err := h.r.Route(ctx, RouteParams{
		UserID:   1,
		Messages: realMessage(),
		Models:   []string{"openai/gpt-4o"},
		Decoys:   []string{"decoy one", "decoy two"},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, "real-answer", result.Content)
	require.Equal(t, 3, result.Metadata.TotalQueries)
	require.Less(t, elapsed, 500*time.Millisecond, "real task must not be delayed by decoys still blocked mid-flight")
}

func TestTemporalMixingDecoyErrorSwallowed(t *testing.T) {
	h := newTestHarness(t, fakeDriver{
		realContent: "real-answer",
		decoyErr:    errors.New("upstream blew up"),
	})
	h.reloadKeys(t, "openai,gpt-4o,sk-a\n")
	ctx := context.Background()

	result, err := h.r.Route(ctx, RouteParams{
		UserID:   1,
		Messages: realMessage(),
		Models:   []string{"openai/gpt-4o"},
		Decoys:   []string{"decoy one"},
	})
	require.NoError(t, err)
	require.Equal(t, "real-answer", result.Content)
}

func TestTemporalMixingRealErrorPropagates(t *testing.T) {
	h := newTestHarness(t, fakeDriver{
		realErr:      errors.New("real provider down"),
		decoyContent: "decoy-answer",
	})
	h.reloadKeys(t, "openai,gpt-4o,sk-a\n")
	ctx := context.Background()

	_, err := h.r.Route(ctx, RouteParams{
		UserID:   1,
		Messages: realMessage(),
		Models:   []string{"openai/gpt-4o"},
		Decoys:   []string{"decoy one"},
	})
	require.Error(t, err)
	require.Equal(t, types.ErrUpstreamFailure, types.GetErrorCode(err))
}

func TestResolveTargetNoKeysAvailable(t *testing.T) {
	h := newTestHarness(t, fakeDriver{})
	// no ReloadKeys call: the pool is empty. The allocator's typed
	// no-keys error doesn't survive the net/rpc boundary (it carries only
	// an error string), so the router can only report this as
	// unavailable, matching §4.3's "cannot resolve an endpoint or secret
	// -> service-unavailable".
	ctx := context.Background()

	_, err := h.r.Route(ctx, RouteParams{
		UserID:   1,
		Messages: realMessage(),
		Models:   []string{"openai/gpt-4o"},
	})
	require.Error(t, err)
	require.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
}

func TestRouteEndpointIDExpired(t *testing.T) {
	h := newTestHarness(t, fakeDriver{})
	ctx := context.Background()
	endpointID := "never-persisted-endpoint-id"

	_, err := h.r.Route(ctx, RouteParams{
		UserID:     1,
		Messages:   realMessage(),
		EndpointID: &endpointID,
	})
	require.Error(t, err)
	require.Equal(t, types.ErrEndpointExpired, types.GetErrorCode(err))
}

func TestRouteRequiresEndpointIDOrModels(t *testing.T) {
	h := newTestHarness(t, fakeDriver{})
	ctx := context.Background()

	_, err := h.r.Route(ctx, RouteParams{UserID: 1, Messages: realMessage()})
	require.Error(t, err)
	require.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}
