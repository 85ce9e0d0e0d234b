// Package chunking implements late chunking: it builds overlapping,
// token-bounded windows over a document's ordered chunks so embedding
// models see lexical context beyond a single chunk, then pools the
// window vectors back onto individual chunks.
package chunking

import (
	"strings"
	"unicode/utf8"
)

const (
	// maxEstimatedTokens caps the heuristic token estimate for a single
	// chunk so one pathological chunk cannot dominate window math.
	maxEstimatedTokens = 8192

	// charsPerToken is the rough chars-to-tokens ratio used when a chunk
	// carries no authoritative count.
	charsPerToken = 4

	// minStrideTokens is the floor for window stride regardless of how
	// small the model's context window is.
	minStrideTokens = 256

	// minSoftLimitTokens is the floor for the soft token limit applied
	// before text is sent to an embedding provider.
	minSoftLimitTokens = 512

	windowJoiner = "\n\n"
)

// Chunk is the read-only input to windowing. Chunks are produced by the
// upstream document-processing stage and ordered by Index.
type Chunk struct {
	ID            string
	Index         int
	Text          string
	TokenCount    int
	PageNumbers   []int
	QualityScore  float64
	StartPosition int
	EndPosition   int
	Language      string
}

// Window is a derived, token-bounded span of consecutive chunks. It is
// built per embedding pass and never persisted.
type Window struct {
	StartIndex int
	EndIndex   int
	TokenCount int
	Text       string
}

// EstimateTokens returns the token count for a chunk: the authoritative
// count when positive, otherwise a character-based estimate.
func EstimateTokens(text string, tokenCount int) int {
	if tokenCount > 0 {
		return tokenCount
	}
	est := len(text) / charsPerToken
	if est < 1 {
		est = 1
	}
	if est > maxEstimatedTokens {
		est = maxEstimatedTokens
	}
	return est
}

// Stride returns the default window stride for a context window: half
// the budget, floored at minStrideTokens, which yields roughly 50%
// overlap between consecutive windows.
func Stride(maxTokens int) int {
	s := maxTokens / 2
	if s < minStrideTokens {
		s = minStrideTokens
	}
	return s
}

// ResolveContextWindow resolves the token budget for windowing. A
// positive configured value wins; otherwise the budget is derived from
// the embedding dimension, and finally defaults to 4096.
func ResolveContextWindow(configured, dimension int) int {
	if configured > 0 {
		return configured
	}
	switch {
	case dimension >= 2000:
		return 8192
	case dimension >= 1000:
		return 4096
	case dimension >= 512:
		return 3072
	case dimension > 0:
		return 2048
	default:
		return 4096
	}
}

// BuildWindows walks chunks left to right and groups them into windows
// of at most maxTokens tokens, advancing each window's start by
// strideTokens worth of cumulative offset so consecutive windows
// overlap. A window always admits at least one chunk, so a single chunk
// larger than maxTokens still gets a window of its own.
//
// If no window with non-empty text can be formed, a single window over
// all non-empty chunk text is attempted; if that is also empty the
// result is nil and the caller should embed per-chunk instead.
func BuildWindows(chunks []Chunk, maxTokens, strideTokens int) []Window {
	if len(chunks) == 0 || maxTokens <= 0 {
		return nil
	}
	if strideTokens <= 0 {
		strideTokens = Stride(maxTokens)
	}

	tokens := make([]int, len(chunks))
	offsets := make([]int, len(chunks)+1)
	for i, c := range chunks {
		tokens[i] = EstimateTokens(c.Text, c.TokenCount)
		offsets[i+1] = offsets[i] + tokens[i]
	}

	var windows []Window
	start := 0
	for start < len(chunks) {
		end := start
		windowTokens := tokens[start]
		for next := start + 1; next < len(chunks); next++ {
			if windowTokens+tokens[next] > maxTokens {
				break
			}
			windowTokens += tokens[next]
			end = next
		}

		if text := joinChunkText(chunks[start : end+1]); text != "" {
			windows = append(windows, Window{
				StartIndex: start,
				EndIndex:   end,
				TokenCount: windowTokens,
				Text:       text,
			})
		}

		if end == len(chunks)-1 {
			break
		}

		next := nextStart(offsets, offsets[start]+strideTokens)
		if next <= start {
			next = start + 1
		}
		if next > end+1 {
			next = end + 1
		}
		start = next
	}

	if len(windows) == 0 {
		if text := joinChunkText(chunks); text != "" {
			total := 0
			for _, t := range tokens {
				total += t
			}
			windows = append(windows, Window{
				StartIndex: 0,
				EndIndex:   len(chunks) - 1,
				TokenCount: total,
				Text:       text,
			})
		}
	}

	return windows
}

// nextStart returns the first chunk index whose cumulative token offset
// reaches target.
func nextStart(offsets []int, target int) int {
	for i := 0; i < len(offsets)-1; i++ {
		if offsets[i] >= target {
			return i
		}
	}
	return len(offsets) - 1
}

func joinChunkText(chunks []Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, windowJoiner)
}

// PoolWindowEmbeddings attributes each window's vector to every chunk
// index the window covers. Indexes outside [0, chunkCount) are dropped.
// vectors must be parallel to windows.
func PoolWindowEmbeddings(windows []Window, vectors [][]float32, chunkCount int) map[int][][]float32 {
	pooled := make(map[int][][]float32, chunkCount)
	for i, w := range windows {
		if i >= len(vectors) || vectors[i] == nil {
			continue
		}
		for idx := w.StartIndex; idx <= w.EndIndex; idx++ {
			if idx < 0 || idx >= chunkCount {
				continue
			}
			pooled[idx] = append(pooled[idx], vectors[i])
		}
	}
	return pooled
}

// Average returns the element-wise mean of equal-dimension vectors.
// A single vector is returned as-is; an empty input returns nil.
func Average(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return vectors[0]
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	count := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(count))
	}
	return out
}

// EnforceTokenLimit trims text until its estimated token count fits the
// soft limit for a context window of maxTokens. The soft limit is 75%
// of the window, floored at minSoftLimitTokens, which bounds worst-case
// provider payload size.
func EnforceTokenLimit(text string, maxTokens int) string {
	soft := maxTokens * 3 / 4
	if soft < minSoftLimitTokens {
		soft = minSoftLimitTokens
	}

	for len(text) > 0 {
		estimated := (len(text) + charsPerToken - 1) / charsPerToken
		if estimated <= soft {
			break
		}
		if len(text) > 50 {
			text = trimToRuneStart(text, len(text)-50)
		} else if len(text) > 10 {
			text = trimToRuneStart(text, len(text)-10)
		} else {
			text = ""
		}
	}
	return text
}

// trimToRuneStart cuts text at max bytes, backing off so a multi-byte
// UTF-8 rune is never split.
func trimToRuneStart(text string, max int) string {
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}
