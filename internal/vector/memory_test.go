package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryIndexSearchRanksByCosine(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Add(1, "Type 2 diabetes mellitus", []float32{1, 0, 0})
	idx.Add(2, "Hypertensive disorder", []float32{0, 1, 0})
	idx.Add(3, "Liver disorder", []float32{0.7, 0.7, 0})

	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].ConceptID)
	require.InDelta(t, 1.0, got[0].Score, 1e-6)
	require.Equal(t, int64(3), got[1].ConceptID)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestMemoryIndexDeduplicatesSynonyms(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Add(7, "Angina pectoris", []float32{1, 0})
	idx.Add(7, "Angina pectoris", []float32{0.9, 0.1})
	idx.Add(8, "Asthma", []float32{0, 1})

	got, err := idx.Search(context.Background(), []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(7), got[0].ConceptID)
}

func TestMemoryIndexHonorsCancelledContext(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Add(1, "x", []float32{1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, []float32{1}, 5)
	require.Error(t, err)
}

func TestToLiteral(t *testing.T) {
	got := ToLiteral([]float32{0.5, -1})
	require.Equal(t, "[0.500000,-1.000000]", got)
}
