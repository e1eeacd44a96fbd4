package privacy

import (
	"github.com/veilrelay/gateway/internal/idhash"
)

// decoyPool is the baseline decoy implementation named in §4.4: a small set
// of generic prompts, semantically unrelated to any real input, drawn from
// uniformly at random via a CSPRNG.
var decoyPool = []string{
	"What's a good recipe for banana bread?",
	"Summarize the plot of a well-known fairy tale.",
	"Explain how photosynthesis works in simple terms.",
	"What are some tips for starting a vegetable garden?",
	"Describe the water cycle.",
	"What's the difference between a crocodile and an alligator?",
	"Give me three ideas for a weekend day trip.",
	"Explain the rules of chess to a beginner.",
	"What causes the seasons to change?",
	"Suggest a workout routine for a beginner runner.",
}

// GateFunc decides whether decoy generation is permitted for a request.
// stateless must be true per §4.4 ("stateful conversations cannot mint
// decoys because a random decoy would corrupt multi-turn context"); a
// GateFunc layers additional policy (e.g. a rate limit) on top of that
// hard rule.
type GateFunc func() bool

// AllowAll is the default decoy gate: approves every stateless request.
func AllowAll() bool { return true }

// generateDecoys draws count prompts from the pool using a CSPRNG, per
// §4.4's "the baseline implementation draws from a small pool of generic
// prompts using a CSPRNG." Duplicates are allowed across draws, matching
// the source's sampling-with-replacement behavior; count is not clamped to
// len(decoyPool).
func generateDecoys(count int) ([]string, error) {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		idx, err := idhash.RandIndex(len(decoyPool))
		if err != nil {
			return nil, err
		}
		out = append(out, decoyPool[idx])
	}
	return out, nil
}
