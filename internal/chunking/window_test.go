package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		tokenCount int
		want       int
	}{
		{"authoritative count wins", strings.Repeat("x", 400), 37, 37},
		{"estimate from length", strings.Repeat("x", 400), 0, 100},
		{"negative count ignored", strings.Repeat("x", 40), -5, 10},
		{"minimum of one", "ab", 0, 1},
		{"capped", strings.Repeat("x", 100000), 0, 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text, tt.tokenCount))
		})
	}
}

func TestStride(t *testing.T) {
	assert.Equal(t, 2048, Stride(4096))
	assert.Equal(t, 256, Stride(100))
}

func TestResolveContextWindow(t *testing.T) {
	assert.Equal(t, 9000, ResolveContextWindow(9000, 1536))
	assert.Equal(t, 8192, ResolveContextWindow(0, 3072))
	assert.Equal(t, 4096, ResolveContextWindow(0, 1536))
	assert.Equal(t, 3072, ResolveContextWindow(0, 768))
	assert.Equal(t, 2048, ResolveContextWindow(0, 384))
	assert.Equal(t, 4096, ResolveContextWindow(0, 0))
}

func chunkOfTokens(index, tokens int) Chunk {
	return Chunk{Index: index, Text: strings.Repeat("a", 8), TokenCount: tokens}
}

func TestBuildWindowsOverlap(t *testing.T) {
	chunks := []Chunk{
		chunkOfTokens(0, 2000),
		chunkOfTokens(1, 500),
		chunkOfTokens(2, 3000),
	}

	windows := BuildWindows(chunks, 4096, 2048)
	require.Len(t, windows, 2)

	assert.Equal(t, 0, windows[0].StartIndex)
	assert.Equal(t, 1, windows[0].EndIndex)
	assert.Equal(t, 2500, windows[0].TokenCount)

	assert.Equal(t, 2, windows[1].StartIndex)
	assert.Equal(t, 2, windows[1].EndIndex)
	assert.Equal(t, 3000, windows[1].TokenCount)
}

func TestBuildWindowsCoverageIsContiguous(t *testing.T) {
	chunks := make([]Chunk, 12)
	for i := range chunks {
		chunks[i] = chunkOfTokens(i, 300+i*37)
	}

	windows := BuildWindows(chunks, 1024, 512)
	require.NotEmpty(t, windows)

	covered := make(map[int]bool)
	for _, w := range windows {
		assert.LessOrEqual(t, w.StartIndex, w.EndIndex)
		for i := w.StartIndex; i <= w.EndIndex; i++ {
			covered[i] = true
		}
	}
	for i := range chunks {
		assert.True(t, covered[i], "chunk %d not covered", i)
	}
}

func TestBuildWindowsOversizedChunkGetsOwnWindow(t *testing.T) {
	chunks := []Chunk{
		chunkOfTokens(0, 100),
		chunkOfTokens(1, 9000),
		chunkOfTokens(2, 100),
	}

	windows := BuildWindows(chunks, 1000, 500)
	require.NotEmpty(t, windows)

	found := false
	for _, w := range windows {
		if w.StartIndex == 1 && w.EndIndex == 1 {
			found = true
			assert.Equal(t, 9000, w.TokenCount)
		}
	}
	assert.True(t, found, "oversized chunk should appear alone in a window")
}

func TestBuildWindowsJoinsTextWithBlankLine(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Text: "first", TokenCount: 10},
		{Index: 1, Text: "second", TokenCount: 10},
	}
	windows := BuildWindows(chunks, 100, 50)
	require.Len(t, windows, 1)
	assert.Equal(t, "first\n\nsecond", windows[0].Text)
}

func TestBuildWindowsAllBlankChunks(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Text: "   ", TokenCount: 5},
		{Index: 1, Text: "", TokenCount: 5},
	}
	assert.Nil(t, BuildWindows(chunks, 100, 50))
}

func TestBuildWindowsEmptyInput(t *testing.T) {
	assert.Nil(t, BuildWindows(nil, 4096, 2048))
	assert.Nil(t, BuildWindows([]Chunk{chunkOfTokens(0, 10)}, 0, 0))
}

func TestPoolWindowEmbeddings(t *testing.T) {
	windows := []Window{
		{StartIndex: 0, EndIndex: 1},
		{StartIndex: 1, EndIndex: 2},
	}
	vectors := [][]float32{
		{1, 0},
		{0, 1},
	}

	pooled := PoolWindowEmbeddings(windows, vectors, 3)
	require.Len(t, pooled[0], 1)
	require.Len(t, pooled[1], 2)
	require.Len(t, pooled[2], 1)
	assert.Equal(t, []float32{1, 0}, pooled[0][0])
	assert.Equal(t, []float32{0, 1}, pooled[2][0])
}

func TestPoolWindowEmbeddingsDropsOutOfRange(t *testing.T) {
	windows := []Window{{StartIndex: 2, EndIndex: 5}}
	vectors := [][]float32{{1}}

	pooled := PoolWindowEmbeddings(windows, vectors, 3)
	assert.Len(t, pooled, 1)
	assert.Contains(t, pooled, 2)
}

func TestAverage(t *testing.T) {
	avg := Average([][]float32{{1, 2}, {3, 4}})
	assert.Equal(t, []float32{2, 3}, avg)
}

func TestAverageSingleVectorIsIdentity(t *testing.T) {
	v := []float32{0.25, 0.5}
	assert.Equal(t, v, Average([][]float32{v}))
}

func TestAverageSkipsMismatchedDimensions(t *testing.T) {
	avg := Average([][]float32{{2, 4}, {1, 2, 3}})
	assert.Equal(t, []float32{2, 4}, avg)
}

func TestAverageEmpty(t *testing.T) {
	assert.Nil(t, Average(nil))
}

func TestEnforceTokenLimit(t *testing.T) {
	// 4096-token window -> soft limit 3072 tokens -> 12288 chars.
	long := strings.Repeat("x", 20000)
	trimmed := EnforceTokenLimit(long, 4096)
	assert.LessOrEqual(t, (len(trimmed)+3)/4, 3072)
	assert.Greater(t, len(trimmed), 12000)
}

func TestEnforceTokenLimitShortTextUntouched(t *testing.T) {
	assert.Equal(t, "hello", EnforceTokenLimit("hello", 4096))
}

func TestEnforceTokenLimitFloor(t *testing.T) {
	// Tiny windows still allow minSoftLimitTokens worth of text.
	text := strings.Repeat("x", 2048)
	assert.Equal(t, text, EnforceTokenLimit(text, 16))
}

func TestEnforceTokenLimitKeepsRunesIntact(t *testing.T) {
	// 1 ASCII byte then 3-byte runes: the 50-byte trim steps land
	// mid-rune until the cut backs off to a rune boundary.
	text := "a" + strings.Repeat("世", 700)
	trimmed := EnforceTokenLimit(text, 512)
	assert.Less(t, len(trimmed), len(text))
	assert.True(t, utf8.ValidString(trimmed))
	assert.True(t, strings.HasPrefix(text, trimmed))
}
