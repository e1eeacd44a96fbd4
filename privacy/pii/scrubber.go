// Package pii implements the pluggable PII-detection capability named in
// §4.4: scrubbers take a message slice and return a rewritten copy plus
// whether anything was detected. The gateway's default is the identity
// scrubber; PatternScrubber is a non-trivial regex-based implementation
// exercising the same interface.
package pii

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/veilrelay/gateway/types"
)

// Scrubber detects and replaces PII in a message slice. Implementations must
// not mutate the input slice or its elements. The returned map is
// token -> original for every distinct value replaced, so a caller that also
// obfuscates can record scrub tokens in the same mapping store and reverse
// both transforms together; a nil or empty map means nothing was detected.
type Scrubber interface {
	Scrub(messages []types.Message) ([]types.Message, map[string]string)
}

// Identity is the spec's default PII scrubber: it never modifies content and
// never reports a detection.
type Identity struct{}

func (Identity) Scrub(messages []types.Message) ([]types.Message, map[string]string) {
	return messages, nil
}

// Kind classifies a detected PII pattern.
type Kind string

const (
	KindEmail      Kind = "EMAIL"
	KindPhone      Kind = "PHONE"
	KindSSN        Kind = "SSN"
	KindCreditCard Kind = "CREDIT_CARD"
)

type pattern struct {
	re   *regexp.Regexp
	kind Kind
}

// PatternScrubber is a regex-only scrubber recognizing email, phone,
// SSN-shaped, and credit-card-shaped values. Unlike the two-stage design it
// is modeled on, it has no AI-verification fallback: every match is
// tokenized directly by its regex pass, with no low-confidence/cache/async
// second opinion.
//
// Tokens take the per-call form [PII:<KIND>:<n>], where n counts distinct
// matched values within one Scrub call (numbering restarts with each call),
// so the same value
// repeated in a message gets the same token and the token vocabulary is
// compact enough to read in logs.
type PatternScrubber struct {
	patterns []pattern
}

// NewPatternScrubber builds a PatternScrubber with the default pattern set.
func NewPatternScrubber() *PatternScrubber {
	return &PatternScrubber{
		patterns: []pattern{
			{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), KindEmail},
			{regexp.MustCompile(`\b(?:\d{3}-?\d{2}-?\d{4})\b`), KindSSN},
			{regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`), KindCreditCard},
			{regexp.MustCompile(`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`), KindPhone},
		},
	}
}

// Scrub implements Scrubber. Each message is scanned independently; tokens
// are numbered within the call across the whole message slice so the same
// value reuses its token if it recurs in a later message. The returned map
// is token -> original, suitable for merging into an obfuscation record.
func (s *PatternScrubber) Scrub(messages []types.Message) ([]types.Message, map[string]string) {
	valueToToken := make(map[string]string)
	tokenToValue := make(map[string]string)
	counts := make(map[Kind]int)

	out := make([]types.Message, len(messages))
	for i, m := range messages {
		rewritten := m.Content
		for _, p := range s.patterns {
			rewritten = p.re.ReplaceAllStringFunc(rewritten, func(match string) string {
				if tok, ok := valueToToken[match]; ok {
					return tok
				}
				counts[p.kind]++
				tok := fmt.Sprintf("[PII:%s:%d]", p.kind, counts[p.kind])
				valueToToken[match] = tok
				tokenToValue[tok] = match
				return tok
			})
		}
		out[i] = types.Message{Role: m.Role, Content: rewritten}
	}
	return out, tokenToValue
}

// HasToken reports whether content carries at least one scrubber token, used
// by tests and callers that want to confirm a round trip touched nothing it
// shouldn't have.
func HasToken(content string) bool {
	return strings.Contains(content, "[PII:")
}
