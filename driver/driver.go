// Package driver defines the narrow provider capability facade the router
// depends on. Per spec.md §9's redesign flag ("Multiple inheritance/duck
// typing on endpoint instances"), this replaces runtime method-presence
// checks with one explicit interface: send a prompt, streaming or not, plus
// identity getters. Any further optimization (a provider-specific
// non-streaming fast path) is an internal concern of the provider package,
// never observable here.
package driver

import (
	"context"

	"github.com/veilrelay/gateway/types"
)

// Driver is the capability set the Query Router requires of every
// provider. Implementations own their own HTTP client instance so that
// concurrent Driver instances over the same (provider, model, secret) are
// never serialized by shared state (§4.3 "Instance independence").
type Driver interface {
	// Provider returns the driver's provider name, e.g. "openai".
	Provider() string
	// Model returns the driver's target model name.
	Model() string
	// Complete performs a non-streaming chat completion.
	Complete(ctx context.Context, messages []types.Message) (*types.CompletionResult, error)
	// Stream performs a streaming chat completion. The returned channel is
	// closed when the stream ends (normally or on error); a terminal Event
	// carries Err if the stream failed before completion.
	Stream(ctx context.Context, messages []types.Message) (<-chan Event, error)
}

// Event is one item from a streaming Driver, mirroring the StreamChunk
// pattern the teacher's provider drivers use.
type Event struct {
	Chunk types.Chunk
	Err   error
}

// Constructor builds a Driver bound to one secret for one (provider, model).
// providers.Catalog is a map[string]Constructor built once at startup (§9
// "explicit catalog passed to a factory"), never a package-level registry.
type Constructor func(model, secret string) Driver

// Catalog materializes a Driver for a given (provider, model, secret)
// triple. The session manager and router depend only on this interface, not
// on the concrete providers package, so they never need to know the set of
// supported providers.
type Catalog interface {
	Build(provider, model, secret string) (Driver, error)
}
