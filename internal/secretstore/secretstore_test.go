package secretstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "llm/openai/gpt-4o/abc")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, "llm/openai/gpt-4o/abc", "sk-test"))
	v, err := s.Get(ctx, "llm/openai/gpt-4o/abc")
	require.NoError(t, err)
	require.Equal(t, "sk-test", v)

	require.NoError(t, s.Delete(ctx, "llm/openai/gpt-4o/abc"))
	_, err = s.Get(ctx, "llm/openai/gpt-4o/abc")
	require.True(t, errors.Is(err, ErrNotFound))
}
