package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/embedder"
)

// Splitter strategy names accepted in the splitter option.
const (
	SplitterRecursive = "RecursiveCharacterTextSplitter"
	SplitterSemantic  = "SemanticChunker"
	SplitterParagraph = "ParagraphChunker"
)

// Splitter breaks a document's text into pieces sized for retrieval.
type Splitter interface {
	Split(ctx context.Context, text string) ([]string, error)
}

// NewSplitter builds the configured splitter. The semantic chunker needs the
// embedder; the others ignore it.
func NewSplitter(snap *config.Snapshot, emb embedder.Embedder) (Splitter, error) {
	switch snap.GetOr(config.KeySplitter, SplitterRecursive) {
	case SplitterRecursive:
		return &RecursiveSplitter{
			ChunkSize: snap.Int(config.KeyRecursiveChunkSize, 1024),
			Overlap:   snap.Int(config.KeyRecursiveChunkOverlap, 40),
		}, nil
	case SplitterSemantic:
		return &SemanticSplitter{
			Embedder:        emb,
			ThresholdType:   snap.GetOr(config.KeySemanticThresholdType, "percentile"),
			ThresholdAmount: snap.Float(config.KeySemanticThresholdAmount, 95),
			NumberOfChunks:  snap.Int(config.KeySemanticNumberOfChunks, 0),
		}, nil
	case SplitterParagraph:
		return &ParagraphSplitter{
			MaxChunkSize: snap.Int(config.KeyParagraphMaxChunkSize, 2048),
			Separator:    snap.GetOr(config.KeyParagraphSeparator, "\n\n"),
		}, nil
	}
	return nil, apperr.New(apperr.ConfigInvalid, "unknown splitter %q", snap.Get(config.KeySplitter))
}

// RecursiveSplitter splits on a separator hierarchy, preferring paragraph
// boundaries, then lines, then words, then characters, merging pieces back
// up to ChunkSize with Overlap characters of carry-over.
type RecursiveSplitter struct {
	ChunkSize int
	Overlap   int
}

var recursiveSeparators = []string{"\n\n", "\n", " ", ""}

func (s *RecursiveSplitter) Split(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 1024
	}
	return s.split(text, size, recursiveSeparators), nil
}

func (s *RecursiveSplitter) split(text string, size int, separators []string) []string {
	if len(text) <= size {
		return []string{text}
	}

	sep := separators[len(separators)-1]
	rest := separators
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		for start := 0; start < len(text); start += size {
			end := start + size
			if end > len(text) {
				end = len(text)
			}
			parts = append(parts, text[start:end])
		}
	} else {
		for _, piece := range strings.Split(text, sep) {
			if piece == "" {
				continue
			}
			if len(piece) > size && len(rest) > 0 {
				parts = append(parts, s.split(piece, size, rest)...)
			} else {
				parts = append(parts, piece)
			}
		}
	}

	return s.merge(parts, sep, size)
}

// merge joins small pieces back together up to the chunk size, carrying the
// overlap tail into the next chunk.
func (s *RecursiveSplitter) merge(parts []string, sep string, size int) []string {
	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, sep))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		// Keep trailing pieces inside the overlap budget.
		var kept []string
		keptLen := 0
		for i := len(current) - 1; i >= 0 && keptLen+len(current[i]) <= s.Overlap; i-- {
			kept = append([]string{current[i]}, kept...)
			keptLen += len(current[i]) + len(sep)
		}
		current = kept
		currentLen = keptLen
	}

	for _, part := range parts {
		if currentLen+len(part)+len(sep) > size && currentLen > 0 {
			flush()
		}
		current = append(current, part)
		currentLen += len(part) + len(sep)
	}
	flush()
	// Drop a pure-overlap trailing chunk already covered by its predecessor.
	if len(chunks) > 1 && len(chunks[len(chunks)-1]) <= s.Overlap {
		last := chunks[len(chunks)-1]
		if strings.Contains(chunks[len(chunks)-2], last) {
			chunks = chunks[:len(chunks)-1]
		}
	}
	return chunks
}

// SemanticSplitter groups sentences until the embedding distance between
// neighbors spikes past a statistical breakpoint.
type SemanticSplitter struct {
	Embedder        embedder.Embedder
	ThresholdType   string
	ThresholdAmount float64
	NumberOfChunks  int
}

func (s *SemanticSplitter) Split(ctx context.Context, text string) ([]string, error) {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		if len(sentences) == 0 {
			return nil, nil
		}
		return sentences, nil
	}

	vectors, err := s.Embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return nil, fmt.Errorf("embed sentences: %w", err)
	}
	if len(vectors) != len(sentences) {
		return nil, fmt.Errorf("expected %d sentence vectors, got %d", len(sentences), len(vectors))
	}

	distances := make([]float64, len(sentences)-1)
	for i := range distances {
		distances[i] = 1 - cosine32(vectors[i], vectors[i+1])
	}

	threshold := s.breakpoint(distances)

	var chunks []string
	var current []string
	for i, sentence := range sentences {
		current = append(current, sentence)
		if i < len(distances) && distances[i] > threshold {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks, nil
}

// breakpoint computes the distance above which a new chunk starts. When
// NumberOfChunks is set it overrides the statistical threshold by keeping
// exactly the n-1 largest gaps as boundaries.
func (s *SemanticSplitter) breakpoint(distances []float64) float64 {
	if s.NumberOfChunks > 0 {
		boundaries := s.NumberOfChunks - 1
		if boundaries <= 0 {
			return math.Inf(1)
		}
		if boundaries >= len(distances) {
			return math.Inf(-1)
		}
		sorted := append([]float64(nil), distances...)
		sort.Float64s(sorted)
		// Everything strictly above the cut becomes a boundary.
		return sorted[len(sorted)-boundaries-1]
	}

	switch s.ThresholdType {
	case "standard_deviation":
		m := mean(distances)
		return m + s.ThresholdAmount*stddev(distances, m)
	case "interquartile":
		q1 := percentile(distances, 25)
		q3 := percentile(distances, 75)
		return mean(distances) + s.ThresholdAmount*(q3-q1)
	default: // percentile
		return percentile(distances, s.ThresholdAmount)
	}
}

// ParagraphSplitter packs separator-delimited paragraphs into chunks capped
// at MaxChunkSize characters. An oversized paragraph becomes its own chunk.
type ParagraphSplitter struct {
	MaxChunkSize int
	Separator    string
}

func (s *ParagraphSplitter) Split(ctx context.Context, text string) ([]string, error) {
	sep := s.Separator
	if sep == "" {
		sep = "\n\n"
	}
	maxSize := s.MaxChunkSize
	if maxSize <= 0 {
		maxSize = 2048
	}

	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, sep))
		current = nil
		currentLen = 0
	}

	for _, para := range strings.Split(text, sep) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if currentLen+len(para)+len(sep) > maxSize && currentLen > 0 {
			flush()
		}
		current = append(current, para)
		currentLen += len(para) + len(sep)
	}
	flush()
	return chunks, nil
}

// splitSentences breaks text on sentence-final punctuation followed by
// whitespace. Good enough for chunk boundaries; not a full tokenizer.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" {
					sentences = append(sentences, sentence)
				}
				current.Reset()
			}
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// percentile interpolates linearly between order statistics, p in [0, 100].
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
