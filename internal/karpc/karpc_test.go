package karpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/internal/secretstore"
	"github.com/veilrelay/gateway/internal/store"
	"github.com/veilrelay/gateway/keyalloc"
)

func TestServerClientRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr, err := store.NewManager(store.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	secrets, err := secretstore.NewMemoryStore("")
	require.NoError(t, err)

	allocator := keyalloc.New(mgr, secrets, zap.NewNop())
	service := NewKeyAllocatorService(allocator, zap.NewNop())

	socketPath := filepath.Join(t.TempDir(), "keyserver.sock")
	server, err := NewServer(socketPath, service, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	keysPath := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(keysPath, []byte("provider,model,api_key\nopenai,gpt-4o,sk-a\n"), 0o600))

	client := NewClient(socketPath, time.Second, 5*time.Second)
	ctx := context.Background()

	reloadReply, err := client.ReloadKeys(ctx, keysPath)
	require.NoError(t, err)
	require.Equal(t, 1, reloadReply.PoolCounts["keys:openai:gpt-4o"])

	selectReply, err := client.SelectKeysForSession(ctx, SelectKeysArgs{
		SessionID:     "session-1",
		UserID:        1,
		Models:        []ModelRequest{{Provider: "openai", Model: "gpt-4o"}},
		CountPerModel: 1,
	})
	require.NoError(t, err)
	require.Len(t, selectReply.Keys, 1)
	require.Equal(t, "sk-a", selectReply.Keys[0].Secret)

	require.NoError(t, client.TrackUsage(ctx, selectReply.Keys[0].KeyID, 100))
	require.NoError(t, client.ReleaseKey(ctx, "session-1"))

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.True(t, health.OK)
}
