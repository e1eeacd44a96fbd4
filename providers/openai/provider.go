// Package openai constructs driver.Driver instances for OpenAI chat models.
package openai

import (
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/providers/openaicompat"
)

const baseURL = "https://api.openai.com"

// New builds a driver.Constructor for OpenAI, bound to a shared logger.
func New(logger *zap.Logger) driver.Constructor {
	return func(model, secret string) driver.Driver {
		return openaicompat.New(openaicompat.Config{
			ProviderName: "openai",
			APIKey:       secret,
			Model:        model,
			BaseURL:      baseURL,
		}, logger)
	}
}
