package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// LLMReranker scores query-document pairs with a single LLM call demanding
// strict JSON output. A malformed reply falls back to order-preserving
// neutral scores instead of failing the request.
type LLMReranker struct {
	chat llm.ChatClient
}

// NewLLMReranker creates a reranker on top of the given chat backend.
func NewLLMReranker(chat llm.ChatClient) *LLMReranker {
	return &LLMReranker{chat: chat}
}

// relevanceScore represents one entry of the structured LLM output.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank implements Reranker. The input slice is not modified.
func (r *LLMReranker) Rerank(ctx context.Context, candidates []retriever.Document, query string) ([]retriever.Document, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	prompt := buildRerankPrompt(query, candidates)
	reply, _, err := r.chat.Respond(ctx, "", prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("rerank LLM call: %w", err)
	}

	scores, err := parseRerankResponse(reply, len(candidates))
	if err != nil {
		// The candidate order already reflects retrieval quality; keep it.
		fallback := make([]retriever.Document, len(candidates))
		for i, doc := range candidates {
			fallback[i] = doc
			fallback[i].Score = 0.5
		}
		return fallback, nil
	}

	scored := make([]retriever.Document, len(candidates))
	for i, doc := range candidates {
		scored[i] = doc
		scored[i].Score = scores[i]
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	return scored, nil
}

// buildRerankPrompt constructs the scoring prompt. Document content is
// truncated to 500 characters to stay inside token limits.
func buildRerankPrompt(query string, candidates []retriever.Document) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, doc := range candidates {
		content := doc.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts scores from the LLM reply. Fenced JSON is
// accepted; missing indices default to 0.5 and scores clamp to [0, 1].
func parseRerankResponse(reply string, numResults int) ([]float64, error) {
	reply = strings.TrimSpace(llm.CleanReply(reply))

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := neutralScores(numResults)
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= numResults {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.DocIndex] = score
	}
	return scores, nil
}

func neutralScores(n int) []float64 {
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	return scores
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
