package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/veilrelay/gateway/privacy"
	"github.com/veilrelay/gateway/router"
	"github.com/veilrelay/gateway/session"
	"github.com/veilrelay/gateway/types"
)

// echoDriver answers every Complete call with its last message's content,
// prefixed, so tests can assert a response passed through unmangled.
type echoDriver struct{ provider, model string }

func (d *echoDriver) Provider() string { return d.provider }
func (d *echoDriver) Model() string    { return d.model }

func (d *echoDriver) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error) {
	content := ""
	if len(messages) > 0 {
		content = messages[len(messages)-1].Content
	}
	return &types.CompletionResult{Content: "echo: " + content, Usage: types.Usage{TotalTokens: 7}}, nil
}

func (d *echoDriver) Stream(ctx context.Context, messages []types.Message) (<-chan driver.Event, error) {
	ch := make(chan driver.Event, 2)
	ch <- driver.Event{Chunk: types.Chunk{Content: "echo-chunk"}}
	ch <- driver.Event{Chunk: types.Chunk{FinishReason: "stop"}}
	close(ch)
	return ch, nil
}

type echoCatalog struct{}

func (echoCatalog) Build(provider, model, secret string) (driver.Driver, error) {
	return &echoDriver{provider: provider, model: model}, nil
}

// handlerHarness wires a real session.Manager, router.Router, and
// privacy.Pipeline over miniredis-backed stores and a real karpc server, the
// same construction session/manager_test.go and router/router_test.go use,
// so DirectHandler/WebHandler exercise their actual collaborators end to end.
type handlerHarness struct {
	sessions  *session.Manager
	router    *router.Router
	privacy   *privacy.Pipeline
	allocator *keyalloc.Allocator
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	sessionRedis := miniredis.RunT(t)
	sessionStore, err := store.NewManager(store.Config{Addr: sessionRedis.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sessionStore.Close() })

	mappingRedis := miniredis.RunT(t)
	mappingStore, err := store.NewManager(store.Config{Addr: mappingRedis.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mappingStore.Close() })

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

	sm := session.New(sessionStore, client, echoCatalog{}, zap.NewNop())
	rt := router.New(sessionStore, client, echoCatalog{}, zap.NewNop())
	t.Cleanup(rt.Shutdown)
	pp := privacy.New(mappingStore, zap.NewNop())

	return &handlerHarness{sessions: sm, router: rt, privacy: pp, allocator: allocator}
}

func (h *handlerHarness) reloadKeys(t *testing.T, csv string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,model,api_key\n"+csv), 0o600))
	_, err := h.allocator.ReloadKeys(context.Background(), path)
	require.NoError(t, err)
}

// jsonRequest builds a request carrying body as its JSON payload and, if
// userID is non-zero, an authenticated user id in the request context (the
// shape auth middleware leaves behind upstream of every handler under test).
func jsonRequest(t *testing.T, method, target string, body any, userID int64) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		r = r.WithContext(types.WithUserID(r.Context(), userID))
	}
	return r
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dst))
}
