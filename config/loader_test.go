package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsThenEnvOverlay(t *testing.T) {
	os.Setenv("WEB_SERVER_JWT_SECRET", "test-secret")
	os.Setenv("WEB_SERVER_REDIS_URL", "redis-session:6379")
	os.Setenv("KEY_SERVER_REDIS_URL", "redis-keys:6379")
	os.Setenv("WEB_SERVER_PORT", "9999")
	defer func() {
		os.Unsetenv("WEB_SERVER_JWT_SECRET")
		os.Unsetenv("WEB_SERVER_REDIS_URL")
		os.Unsetenv("KEY_SERVER_REDIS_URL")
		os.Unsetenv("WEB_SERVER_PORT")
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "redis-session:6379", cfg.SessionStore.Addr)
	assert.Equal(t, "redis-keys:6379", cfg.KeyStore.Addr)
	assert.Equal(t, "test-secret", cfg.JWT.Secret)
}

func TestLoader_YAMLFileOverlay(t *testing.T) {
	os.Setenv("WEB_SERVER_JWT_SECRET", "test-secret")
	os.Setenv("WEB_SERVER_REDIS_URL", "localhost:6379")
	os.Setenv("KEY_SERVER_REDIS_URL", "localhost:6380")
	defer func() {
		os.Unsetenv("WEB_SERVER_JWT_SECRET")
		os.Unsetenv("WEB_SERVER_REDIS_URL")
		os.Unsetenv("KEY_SERVER_REDIS_URL")
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
}

func TestValidate_RequiresJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionStore.Addr = "x"
	cfg.KeyStore.Addr = "y"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}
