package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockEmbedDeterministic(t *testing.T) {
	m := NewMockProvider(8)
	a, _, err := m.Embed(context.Background(), EmbedRequest{Inputs: []string{"liver disorder"}, Dimension: 8})
	require.NoError(t, err)
	b, _, err := m.Embed(context.Background(), EmbedRequest{Inputs: []string{"liver disorder"}, Dimension: 8})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a[0], 8)
}

func TestMockGenerateCleanupEchoesTerm(t *testing.T) {
	m := NewMockProvider(8)
	resp, _, err := m.Generate(context.Background(), GenerateRequest{
		Operation: "term_cleanup",
		Prompt:    "#Term: Diabetes mellitus type 2, nos",
	})
	require.NoError(t, err)
	require.Equal(t, "#Term: Diabetes mellitus type 2, nos", resp.Text)
}
