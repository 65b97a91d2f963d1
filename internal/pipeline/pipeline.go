// Package pipeline runs the staged chat flow: history summarization, refetch
// decision, HyDE, retrieval with optional rerank, the rewrite loop, RE2, and
// answer generation with provenance scoring.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/embedder"
	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/provenance"
	"github.com/knoguchi/ragpipe/internal/reranker"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// titlePrompt asks for a short emoji-wrapped chat title.
const titlePrompt = "Write a succinct title (few words) for a chat that has the question: %s\n\nYou NEVER give explanations, only the title and you are forced to always start and end with an emoji (two distinct ones!). You also stick to the language of the question."

// Result is the outcome of one chat turn. Documents is nil when no retrieval
// happened this turn; History includes the assistant reply.
type Result struct {
	Reply      string
	History    []llm.Message
	Documents  []retriever.Document
	Rewritten  *string
	Question   string
	FetchedNew bool
}

// runtime bundles the components rebuilt together on reinitialization.
// In-flight requests keep the bundle they started with.
type runtime struct {
	chat    llm.ChatClient
	rerank  reranker.Reranker
	attrib  *provenance.Attributor
	encoder *tiktoken.Tiktoken
}

// Orchestrator drives the chat pipeline. The retriever and embedder are
// fixed; the LLM-side components live in an atomically swapped bundle.
type Orchestrator struct {
	store  retriever.Retriever
	embed  embedder.Embedder
	logger *slog.Logger
	rt     atomic.Pointer[runtime]
}

// New builds an orchestrator and initializes the runtime bundle from the
// snapshot.
func New(store retriever.Retriever, emb embedder.Embedder, logger *slog.Logger, snap *config.Snapshot) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{store: store, embed: emb, logger: logger}
	if err := o.Reload(snap); err != nil {
		return nil, err
	}
	return o, nil
}

// Reload rebuilds the LLM-dependent components from a fresh snapshot and
// swaps them in atomically.
func (o *Orchestrator) Reload(snap *config.Snapshot) error {
	chat, err := llm.New(snap)
	if err != nil {
		return err
	}
	rr := reranker.NewLLMReranker(chat)
	attrib := provenance.New(snap.GetOr(config.KeyProvenanceMethod, provenance.MethodNone), rr, chat, o.embed)

	encoder, err := encoderFor(snap.GetOr(config.KeySummarizationEncoder, "gpt-4o"))
	if err != nil {
		o.logger.Warn("token encoder unavailable, falling back to word counts", "error", err)
	}

	o.rt.Store(&runtime{chat: chat, rerank: rr, attrib: attrib, encoder: encoder})
	return nil
}

// encoderFor resolves the tiktoken encoding for a model name, falling back
// to cl100k_base for models the library does not know.
func encoderFor(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding("cl100k_base")
}

// Title generates a short emoji-wrapped title for a question.
func (o *Orchestrator) Title(ctx context.Context, question string) (string, error) {
	rt := o.rt.Load()
	reply, _, err := rt.chat.Respond(ctx, "", fmt.Sprintf(titlePrompt, question), nil)
	if err != nil {
		return "", apperr.Wrap(apperr.LLMFailed, err)
	}
	return reply, nil
}

// Chat runs the full pipeline without streaming and returns the final
// result. Provenance scores, when computed, are merged into the returned
// documents.
func (o *Orchestrator) Chat(ctx context.Context, snap *config.Snapshot, prompt string, history []llm.Message, datasets []string) (*Result, error) {
	return o.run(ctx, snap, prompt, history, datasets, nil, nil, nil)
}

// run is the shared pipeline body. emitStep publishes user-visible stage
// transitions, emitDocs publishes fetched documents before generation, and
// onToken receives answer fragments as they stream; all three are nil in the
// non-streaming path.
func (o *Orchestrator) run(ctx context.Context, snap *config.Snapshot, prompt string, history []llm.Message, datasets []string, emitStep func(string), emitDocs func([]retriever.Document), onToken func(string)) (*Result, error) {
	rt := o.rt.Load()
	question := prompt
	step := func(label string) {
		if emitStep != nil {
			emitStep(label)
		}
	}

	var rewritten *string
	fetchedNew := true

	if len(history) > 0 {
		if snap.Bool(config.KeyUseSummarization) {
			step("Checking if history needs summarization...")
			var err error
			history, err = o.summarize(ctx, rt, snap, history, step)
			if err != nil {
				return nil, err
			}
		}

		step("Checking if new documents are needed...")
		o.logger.Info("checking whether new documents are needed")
		reply, _, err := rt.chat.Respond(ctx, "", expand(snap.Get(config.KeyRAGFetchNewQuestion), "question", question), history)
		if err != nil {
			return nil, apperr.Wrap(apperr.LLMFailed, err)
		}
		if llm.IsNo(reply) {
			fetchedNew = false
			step("Using existing context (no new retrieval needed).")
		}
	}

	var docs []retriever.Document
	if fetchedNew {
		if snap.Bool(config.KeyUseHyDE) {
			step("Generating hypothetical document (HyDE)...")
			hypothetical, _, err := rt.chat.Respond(ctx, "", expand(snap.Get(config.KeyHyDEQuery), "question", prompt), nil)
			if err != nil {
				return nil, apperr.Wrap(apperr.LLMFailed, err)
			}
			prompt = hypothetical
		}

		step("Retrieving relevant documents...")
		o.logger.Info("fetching documents", "datasets", datasets)
		queryVec, err := o.embed.Embed(ctx, prompt)
		if err != nil {
			return nil, apperr.Wrap(apperr.RetrievalFailed, err)
		}
		docs, err = o.retrieve(ctx, rt, snap, prompt, queryVec, datasets, step)
		if err != nil {
			return nil, err
		}

		if snap.Bool(config.KeyUseRewriteLoop) && !snap.Bool(config.KeyUseHyDE) {
			step("Checking if documents contain the answer...")
			coverage, _, err := rt.chat.Respond(ctx,
				expand(snap.Get(config.KeyRewriteInstruction), "context", FormatDocuments(docs)),
				expand(snap.Get(config.KeyRewriteQuestion), "question", prompt),
				nil)
			if err != nil {
				return nil, apperr.Wrap(apperr.LLMFailed, err)
			}
			if llm.IsNo(coverage) {
				step("Rewriting query for better results...")
				newPrompt, _, err := rt.chat.Respond(ctx, "",
					expand(expand(snap.Get(config.KeyRewritePrompt), "question", prompt),
						"motivation", "Can I find the answer in the documents: "+coverage),
					nil)
				if err != nil {
					return nil, apperr.Wrap(apperr.LLMFailed, err)
				}
				o.logger.Info("query rewritten", "original", prompt, "rewritten", newPrompt)
				rewritten = &newPrompt

				// The rewritten text drives re-retrieval only; the answer
				// stage keeps the working prompt.
				step("Re-retrieving documents with improved query...")
				if snap.Bool(config.KeyRewriteReembed) {
					queryVec, err = o.embed.Embed(ctx, newPrompt)
					if err != nil {
						return nil, apperr.Wrap(apperr.RetrievalFailed, err)
					}
				}
				docs, err = o.retrieve(ctx, rt, snap, newPrompt, queryVec, datasets, step)
				if err != nil {
					return nil, err
				}
			} else {
				step("Documents look relevant, proceeding...")
			}
		}
	}

	if snap.Bool(config.KeyUseRE2) && !snap.Bool(config.KeyUseHyDE) {
		step("Applying RE2 (Re-reading) prompt enhancement...")
		prompt = prompt + "\n" + snap.Get(config.KeyRE2Prompt) + "\n" + prompt
	}

	if emitDocs != nil && len(docs) > 0 {
		emitDocs(docs)
	}

	step("Generating answer...")
	reply, thread, err := o.answer(ctx, rt, snap, prompt, history, docs, fetchedNew, onToken)
	if err != nil {
		return nil, err
	}

	if fetchedNew && (emitStep == nil || len(docs) > 0) && rt.attrib.Enabled() {
		step(fmt.Sprintf("Computing provenance scores (%s)...", rt.attrib.Method()))
		scores, err := rt.attrib.Compute(ctx, prompt, docs, reply)
		if err != nil {
			return nil, apperr.Wrap(apperr.LLMFailed, err)
		}
		provenance.Merge(docs, scores)
	}

	thread = append(thread, llm.Message{Role: llm.RoleAssistant, Content: reply})
	return &Result{
		Reply:      reply,
		History:    thread,
		Documents:  docs,
		Rewritten:  rewritten,
		Question:   question,
		FetchedNew: fetchedNew,
	}, nil
}

// summarize collapses a long history to its first turn plus an assistant
// summary once the token count passes the threshold.
func (o *Orchestrator) summarize(ctx context.Context, rt *runtime, snap *config.Snapshot, history []llm.Message, step func(string)) ([]llm.Message, error) {
	rendered := renderHistory(history)
	size := rt.countTokens(rendered)
	if size <= snap.Int(config.KeySummarizationThreshold, 3000) {
		return history, nil
	}

	step("Summarizing conversation history...")
	o.logger.Info("summarizing history", "tokens", size)
	summary, _, err := rt.chat.Respond(ctx, "", expand(snap.Get(config.KeySummarizationQuery), "history", rendered), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.LLMFailed, err)
	}
	return append(history[:1:1], llm.Message{Role: llm.RoleAssistant, Content: summary}), nil
}

// retrieve embeds nothing itself; it queries the store with the given vector
// and applies the optional rerank pass.
func (o *Orchestrator) retrieve(ctx context.Context, rt *runtime, snap *config.Snapshot, prompt string, queryVec []float32, datasets []string, step func(string)) ([]retriever.Document, error) {
	docs, err := o.store.GetRelevant(ctx, prompt, queryVec, datasets, snap.Int(config.KeyRetrievalK, 10))
	if err != nil {
		return nil, apperr.Wrap(apperr.RetrievalFailed, err)
	}

	if snap.Bool(config.KeyRerank) {
		rerankK := snap.Int(config.KeyRerankK, 5)
		step(fmt.Sprintf("Reranking top %d documents...", rerankK))
		docs, err = rt.rerank.Rerank(ctx, docs, prompt)
		if err != nil {
			return nil, apperr.Wrap(apperr.LLMFailed, err)
		}
		if len(docs) > rerankK {
			docs = docs[:rerankK]
		}
	} else {
		for i := range docs {
			docs[i].Score = docs[i].Distance()
		}
	}
	return docs, nil
}

// answer runs the final generation with the branch-dependent system prompt
// and history. A non-nil onToken switches to the streaming client call and
// receives each fragment; the full reply is accumulated either way.
func (o *Orchestrator) answer(ctx context.Context, rt *runtime, snap *config.Snapshot, prompt string, history []llm.Message, docs []retriever.Document, fetchedNew bool, onToken func(string)) (string, []llm.Message, error) {
	var system, question string
	var thread []llm.Message

	switch {
	case len(history) == 0:
		system = expand(snap.Get(config.KeyRAGInstruction), "context", FormatDocuments(docs))
		question = expand(snap.Get(config.KeyRAGQuestionInitial), "question", prompt)
	case fetchedNew:
		system = expand(snap.Get(config.KeyRAGInstruction), "context", FormatDocuments(docs))
		question = expand(snap.Get(config.KeyRAGQuestionFollowup), "question", prompt)
		thread = withoutSystem(history)
	default:
		question = expand(snap.Get(config.KeyRAGQuestionFollowup), "question", prompt)
		thread = history
	}

	if onToken != nil {
		stream, sent, err := rt.chat.RespondStream(ctx, system, question, thread)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.LLMFailed, err)
		}
		var sb strings.Builder
		for chunk := range stream {
			if chunk.Error != nil {
				return "", nil, apperr.Wrap(apperr.LLMFailed, chunk.Error)
			}
			if chunk.Token != "" {
				sb.WriteString(chunk.Token)
				onToken(chunk.Token)
			}
		}
		return sb.String(), sent, nil
	}

	reply, sent, err := rt.chat.Respond(ctx, system, question, thread)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.LLMFailed, err)
	}
	return reply, sent, nil
}

// countTokens measures text with the tiktoken encoder, falling back to a
// word count when no encoder could be loaded.
func (rt *runtime) countTokens(text string) int {
	if rt.encoder == nil {
		return len(strings.Fields(text))
	}
	return len(rt.encoder.Encode(text, nil, nil))
}

// FormatDocuments renders documents for the {context} template slot.
func FormatDocuments(docs []retriever.Document) string {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys := make([]string, 0, len(doc.Metadata))
		for k := range doc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s: %v", k, doc.Metadata[k]))
		}
		filename, _ := doc.Metadata["source"].(string)
		parts = append(parts, fmt.Sprintf("[Document] *Filename* `%s`\n*Content*: %s\n*Metadata* %s [/Document]",
			filename, doc.Content, strings.Join(pairs, ", ")))
	}
	return strings.Join(parts, "\n\n")
}

// expand substitutes one {name} placeholder literally.
func expand(template, name, value string) string {
	return strings.ReplaceAll(template, "{"+name+"}", value)
}

// renderHistory flattens a thread to "role: content" blocks for token
// counting and the summarization prompt.
func renderHistory(history []llm.Message) string {
	parts := make([]string, len(history))
	for i, m := range history {
		parts[i] = m.Role + ": " + m.Content
	}
	return strings.Join(parts, "\n\n")
}

// withoutSystem drops system turns, keeping the rest in order.
func withoutSystem(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
