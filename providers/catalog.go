package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/providers/anthropic"
	"github.com/veilrelay/gateway/providers/gemini"
	"github.com/veilrelay/gateway/providers/openai"
	"github.com/veilrelay/gateway/providers/xai"
)

// Catalog maps provider names to driver.Constructor. Per §9's redesign flag
// ("no global provider registry"), this is an explicit map built once at
// startup and threaded through to the router, never a package-level
// init()-populated registry.
type Catalog map[string]driver.Constructor

// NewCatalog builds the catalog of every provider the gateway supports.
func NewCatalog(logger *zap.Logger) Catalog {
	return Catalog{
		"openai":    openai.New(logger),
		"xai":       xai.New(logger),
		"gemini":    gemini.New(logger),
		"anthropic": anthropic.New(logger),
	}
}

// Build constructs a Driver for provider/model bound to secret.
func (c Catalog) Build(provider, model, secret string) (driver.Driver, error) {
	constructor, ok := c[provider]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", provider)
	}
	return constructor(model, secret), nil
}
