package pii

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilrelay/gateway/types"
)

func TestIdentityScrubberIsNoOp(t *testing.T) {
	messages := []types.Message{types.NewMessage(types.RoleUser, "my email is a@b.com")}
	out, tokens := Identity{}.Scrub(messages)
	require.Equal(t, messages, out)
	require.Empty(t, tokens)
}

func TestPatternScrubberDetectsEmail(t *testing.T) {
	s := NewPatternScrubber()
	messages := []types.Message{types.NewMessage(types.RoleUser, "contact me at jane.doe@example.com please")}
	out, tokens := s.Scrub(messages)
	require.Len(t, tokens, 1)
	require.NotContains(t, out[0].Content, "jane.doe@example.com")
	require.True(t, HasToken(out[0].Content))

	var original string
	for _, v := range tokens {
		original = v
	}
	require.Equal(t, "jane.doe@example.com", original)
}

func TestPatternScrubberReusesTokenForRepeatedValue(t *testing.T) {
	s := NewPatternScrubber()
	messages := []types.Message{
		types.NewMessage(types.RoleUser, "my ssn is 123-45-6789"),
		types.NewMessage(types.RoleAssistant, "got it, 123-45-6789 noted"),
	}
	out, tokens := s.Scrub(messages)
	require.Len(t, tokens, 1, "the same SSN value must map to one token across messages")

	var token string
	for tok := range tokens {
		token = tok
	}
	require.Contains(t, out[0].Content, token)
	require.Contains(t, out[1].Content, token)
}

func TestPatternScrubberLeavesCleanTextAlone(t *testing.T) {
	s := NewPatternScrubber()
	messages := []types.Message{types.NewMessage(types.RoleUser, "what's the weather like today?")}
	out, tokens := s.Scrub(messages)
	require.Empty(t, tokens)
	require.Equal(t, messages[0].Content, out[0].Content)
}

func TestPatternScrubberDoesNotMutateInput(t *testing.T) {
	s := NewPatternScrubber()
	messages := []types.Message{types.NewMessage(types.RoleUser, "email a@b.com")}
	original := messages[0].Content
	_, _ = s.Scrub(messages)
	require.Equal(t, original, messages[0].Content)
}
