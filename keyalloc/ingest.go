package keyalloc

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// keyTriple is one (provider, model, secret) ingest record (§6 "API keys
// file").
type keyTriple struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type yamlKeysFile struct {
	Keys []keyTriple `yaml:"keys"`
}

// ReloadKeys implements §4.1's ReloadKeys: parses a CSV (header
// "provider,model,api_key") or YAML ({keys: [...]})  file, writes each
// secret to the secret store under llm/<provider>/<model>/<uuid>, and
// replaces the in-memory (here: Redis) pool for every (provider, model)
// seen in the file. Existing sessions retain validity only if their bound
// key survives the reload, since their endpoint record already holds the
// secret independently of the pool set.
func (a *Allocator) ReloadKeys(ctx context.Context, path string) (map[string]int, error) {
	triples, err := parseKeysFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", path, err)
	}

	byPoolIDs := make(map[string][]string)
	for _, t := range triples {
		id := uuid.NewString()
		secretPath := fmt.Sprintf("llm/%s/%s/%s", t.Provider, t.Model, id)
		if err := a.secrets.Put(ctx, secretPath, t.APIKey); err != nil {
			return nil, fmt.Errorf("store secret for %s/%s: %w", t.Provider, t.Model, err)
		}
		poolKey := fmt.Sprintf("keys:%s:%s", t.Provider, t.Model)
		byPoolIDs[poolKey] = append(byPoolIDs[poolKey], id)
	}

	counts := make(map[string]int, len(byPoolIDs))
	for poolKey, ids := range byPoolIDs {
		if err := a.counters.ReplaceSet(ctx, poolKey, ids...); err != nil {
			return nil, fmt.Errorf("replace pool %s: %w", poolKey, err)
		}
		counts[poolKey] = len(ids)
		a.logger.Info("reloaded key pool", zap.String("pool", poolKey), zap.Int("count", len(ids)))
	}
	return counts, nil
}

func parseKeysFile(path string) ([]keyTriple, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		var f yamlKeysFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml keys file: %w", err)
		}
		return f.Keys, nil
	}
	return parseCSVKeys(data)
}

func parseCSVKeys(data []byte) ([]keyTriple, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, want := range []string{"provider", "model", "api_key"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("csv keys file missing column %q", want)
		}
	}

	var out []keyTriple
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		out = append(out, keyTriple{
			Provider: row[cols["provider"]],
			Model:    row[cols["model"]],
			APIKey:   row[cols["api_key"]],
		})
	}
	return out, nil
}
