package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultStore implements Store against HashiCorp Vault's KV v2 secrets
// engine over its plain HTTP API. No Vault SDK appears anywhere in the
// example corpus, so this talks to Vault directly with the shared
// net/http client rather than introducing an ungrounded dependency — see
// DESIGN.md.
type VaultStore struct {
	addr       string
	token      string
	mountPath  string
	httpClient *http.Client
}

// NewVaultStore creates a client for the Vault KV v2 engine mounted at
// mountPath (commonly "secret").
func NewVaultStore(addr, token, mountPath string, httpClient *http.Client) *VaultStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if mountPath == "" {
		mountPath = "secret"
	}
	return &VaultStore{
		addr:       strings.TrimRight(addr, "/"),
		token:      token,
		mountPath:  mountPath,
		httpClient: httpClient,
	}
}

type kv2ReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

func (v *VaultStore) dataURL(path string) string {
	return fmt.Sprintf("%s/v1/%s/data/%s", v.addr, v.mountPath, path)
}

// Get fetches the "value" field of the KV v2 secret at path.
func (v *VaultStore) Get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.dataURL(path), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("vault get %s: status %d: %s", path, resp.StatusCode, body)
	}

	var parsed kv2ReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	value, _ := parsed.Data.Data["value"].(string)
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Put writes secret under the "value" field at path.
func (v *VaultStore) Put(ctx context.Context, path string, secret string) error {
	body, err := json.Marshal(map[string]any{"data": map[string]any{"value": secret}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.dataURL(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", v.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault put %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault put %s: status %d: %s", path, resp.StatusCode, respBody)
	}
	return nil
}

// Delete removes all versions' metadata for path (permanent delete).
func (v *VaultStore) Delete(ctx context.Context, path string) error {
	url := fmt.Sprintf("%s/v1/%s/metadata/%s", v.addr, v.mountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault delete %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault delete %s: status %d: %s", path, resp.StatusCode, respBody)
	}
	return nil
}
