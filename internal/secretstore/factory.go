package secretstore

import (
	"fmt"
	"net/http"
)

// Options configures New; field names mirror config.SecretStoreConfig so
// callers can pass that struct's values directly without an import cycle.
type Options struct {
	Backend    string // "vault" or "memory"
	VaultAddr  string
	VaultToken string
	MountPath  string
	FilePath   string
}

// New builds the configured secret store backend.
func New(opts Options, httpClient *http.Client) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(opts.FilePath)
	case "vault":
		if opts.VaultAddr == "" || opts.VaultToken == "" {
			return nil, fmt.Errorf("secretstore: vault backend requires addr and token")
		}
		return NewVaultStore(opts.VaultAddr, opts.VaultToken, opts.MountPath, httpClient), nil
	default:
		return nil, fmt.Errorf("secretstore: unknown backend %q", opts.Backend)
	}
}
