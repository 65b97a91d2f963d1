// Package provenance scores how much each retrieved document contributed to
// a generated answer.
package provenance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/knoguchi/ragpipe/internal/embedder"
	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/reranker"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// Attribution methods selectable via the provenance_method option.
const (
	MethodNone       = "none"
	MethodRerank     = "rerank"
	MethodLLM        = "llm"
	MethodSimilarity = "similarity"
)

// Attributor computes per-document contribution scores for an answer. The
// method is fixed at construction; Compute returns scores aligned with the
// input document order.
type Attributor struct {
	method string
	rerank reranker.Reranker
	chat   llm.ChatClient
	embed  embedder.Embedder
}

// New builds an attributor for the given method. Dependencies that the
// method does not use may be nil.
func New(method string, rr reranker.Reranker, chat llm.ChatClient, emb embedder.Embedder) *Attributor {
	return &Attributor{method: method, rerank: rr, chat: chat, embed: emb}
}

// Method returns the configured attribution method.
func (a *Attributor) Method() string {
	return a.method
}

// Enabled reports whether Compute will produce scores.
func (a *Attributor) Enabled() bool {
	switch a.method {
	case MethodRerank, MethodLLM, MethodSimilarity:
		return true
	}
	return false
}

// Compute scores each document's contribution to the answer, in input order.
// Returns nil without error when the method is disabled or no documents were
// given.
func (a *Attributor) Compute(ctx context.Context, query string, docs []retriever.Document, answer string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	switch a.method {
	case MethodRerank:
		return a.computeRerank(ctx, query, docs, answer)
	case MethodLLM:
		return a.computeLLM(ctx, query, docs, answer)
	case MethodSimilarity:
		return a.computeSimilarity(ctx, docs, answer)
	}
	return nil, nil
}

// computeRerank reuses the reranker with the answer appended to the query,
// so documents the answer draws on score higher than ones it ignored.
func (a *Attributor) computeRerank(ctx context.Context, query string, docs []retriever.Document, answer string) ([]float64, error) {
	scored, err := a.rerank.Rerank(ctx, docs, query+"\n"+answer)
	if err != nil {
		return nil, fmt.Errorf("rerank provenance: %w", err)
	}

	byID := make(map[string]float64, len(scored))
	for _, doc := range scored {
		byID[doc.ID] = doc.Score
	}
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		scores[i] = byID[doc.ID]
	}
	return scores, nil
}

// computeLLM asks the model for one 0-1 contribution score per document.
// Non-numeric replies score 0 rather than failing the whole request.
func (a *Attributor) computeLLM(ctx context.Context, query string, docs []retriever.Document, answer string) ([]float64, error) {
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		prompt := buildLLMPrompt(query, doc.Content, answer)
		reply, _, err := a.chat.Respond(ctx, "", prompt, nil)
		if err != nil {
			return nil, fmt.Errorf("llm provenance for document %s: %w", doc.ID, err)
		}
		scores[i] = parseScore(reply)
	}
	return scores, nil
}

func buildLLMPrompt(query, content, answer string) string {
	var sb strings.Builder
	sb.WriteString("You are a provenance auditor. Given a user question, a source document, and the generated answer, rate how much the document contributed to the answer.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocument:\n")
	sb.WriteString(content)
	sb.WriteString("\n\nAnswer:\n")
	sb.WriteString(answer)
	sb.WriteString("\n\nReply with a single number between 0.0 (not used at all) and 1.0 (answer depends entirely on it). Output only the number:")
	return sb.String()
}

// parseScore extracts a clamped [0, 1] score from the reply, 0 when the
// reply is not a number.
func parseScore(reply string) float64 {
	reply = strings.TrimSpace(llm.CleanReply(reply))
	if fields := strings.Fields(reply); len(fields) > 0 {
		reply = fields[0]
	}
	score, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// computeSimilarity embeds the answer and every document, then scores by
// cosine similarity. Documents are re-embedded rather than trusting stored
// vectors so the scores reflect the current embedding model.
func (a *Attributor) computeSimilarity(ctx context.Context, docs []retriever.Document, answer string) ([]float64, error) {
	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, answer)
	for _, doc := range docs {
		texts = append(texts, doc.Content)
	}

	vectors, err := a.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("similarity provenance: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("similarity provenance: expected %d vectors, got %d", len(texts), len(vectors))
	}

	answerVec := vectors[0]
	scores := make([]float64, len(docs))
	for i, vec := range vectors[1:] {
		scores[i] = cosine(answerVec, vec)
	}
	return scores, nil
}

// cosine computes cosine similarity, 0 for mismatched or zero vectors.
func cosine(a, b []float32) float64 {
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

// Merge attaches scores to documents in place. Lengths must already match;
// extra scores are ignored.
func Merge(docs []retriever.Document, scores []float64) {
	for i := range docs {
		if i >= len(scores) {
			return
		}
		s := scores[i]
		docs[i].Provenance = &s
	}
}
