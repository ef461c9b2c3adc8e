package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "wzp_persona_3_rag", CollectionName("wzp", 3))
	// Unsafe characters are normalized, never interpolated raw.
	assert.Equal(t, "a_b_persona_1_rag", CollectionName("a;b", 1))
}

func TestSplitterShortText(t *testing.T) {
	s := NewSplitter(500, 50)
	chunks := s.Split("hello world")
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])

	assert.Empty(t, s.Split("   "))
}

func TestSplitterRespectsChunkSize(t *testing.T) {
	s := NewSplitter(100, 10)
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("这是一段用于切分测试的中文文本。")
	}
	chunks := s.Split(b.String())
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 100)
	}
}

func TestSplitterPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(50, 0)
	text := "first paragraph here.\n\nsecond paragraph here.\n\nthird paragraph here."
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[0], "first paragraph")
}

func TestReconcileVectorsIntegralRatio(t *testing.T) {
	chunks := []string{"a", "b"}
	vectors := [][]float32{{1, 0}, {2, 0}, {3, 0}, {4, 0}}

	got, err := reconcileVectors(chunks, vectors, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float32(1), got[0][0])
	assert.Equal(t, float32(3), got[1][0])
}

func TestReconcileVectorsTruncates(t *testing.T) {
	chunks := []string{"a", "b"}
	vectors := [][]float32{{1, 0}, {2, 0}, {3, 0}}

	got, err := reconcileVectors(chunks, vectors, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReconcileVectorsWidthMismatchIsHardFailure(t *testing.T) {
	_, err := reconcileVectors([]string{"a"}, [][]float32{{1, 2, 3}}, 2)
	assert.Error(t, err)
}

func TestTurnContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := TurnContextFrom(ctx)
	assert.False(t, ok)

	ctx = WithTurnContext(ctx, "wzp", 7)
	tc, ok := TurnContextFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "wzp", tc.Username)
	assert.Equal(t, int32(7), tc.PersonaID)
}
