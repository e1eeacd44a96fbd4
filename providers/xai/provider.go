// Package xai constructs driver.Driver instances for xAI's Grok models,
// which serve an OpenAI-compatible chat-completions API at api.x.ai.
package xai

import (
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/providers/openaicompat"
)

const baseURL = "https://api.x.ai"

// New builds a driver.Constructor for xAI.
func New(logger *zap.Logger) driver.Constructor {
	return func(model, secret string) driver.Driver {
		return openaicompat.New(openaicompat.Config{
			ProviderName: "xai",
			APIKey:       secret,
			Model:        model,
			BaseURL:      baseURL,
		}, logger)
	}
}
