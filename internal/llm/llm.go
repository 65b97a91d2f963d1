// Package llm provides a unified chat interface over multiple LLM providers.
//
// A ChatClient is selected once from the configuration snapshot; request code
// never inspects provider flags. All providers share the same thread-building
// rules: at most one system turn, always at index 0, replaced in place when
// the caller supplies a new system instruction.
package llm

import (
	"context"
	"strings"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// ChatClient is the capability every provider backend implements.
type ChatClient interface {
	// Respond builds the message thread (system insertion per the package
	// rules, then the user prompt appended), invokes the backend, and
	// returns the assistant text together with the thread that was sent.
	// The returned thread does NOT include the assistant reply; callers
	// append it themselves.
	Respond(ctx context.Context, system, prompt string, history []Message) (string, []Message, error)

	// RespondStream is Respond with a lazily produced token stream. The
	// channel is closed by the producer after the final chunk; a chunk
	// with Done set marks successful completion and the concatenation of
	// all Token fields equals what Respond would have returned.
	RespondStream(ctx context.Context, system, prompt string, history []Message) (<-chan StreamChunk, []Message, error)
}

// New selects the chat backend from the snapshot. The first enabled selector
// flag wins, mirroring the option file's precedence.
func New(snap *config.Snapshot) (ChatClient, error) {
	switch {
	case snap.Bool(config.KeyUseOpenAI):
		apiKey := snap.Get(config.KeyOpenAIAPIKey)
		if apiKey == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "%s not configured", config.KeyOpenAIAPIKey)
		}
		return NewOpenAIClient(apiKey, snap.Get(config.KeyOpenAIModel), snap.Float(config.KeyTemperature, 0)), nil

	case snap.Bool(config.KeyUseGemini):
		apiKey := snap.Get(config.KeyGoogleAPIKey)
		if apiKey == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "%s not configured", config.KeyGoogleAPIKey)
		}
		return NewGeminiClient(apiKey, snap.Get(config.KeyGeminiModel), snap.Float(config.KeyTemperature, 0))

	case snap.Bool(config.KeyUseAzure):
		apiKey := snap.Get(config.KeyAzureAPIKey)
		endpoint := snap.Get(config.KeyAzureEndpoint)
		deployment := snap.Get(config.KeyAzureDeployment)
		apiVersion := snap.Get(config.KeyAzureAPIVersion)
		if apiKey == "" || endpoint == "" || deployment == "" || apiVersion == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "azure backend requires %s, %s, %s and %s",
				config.KeyAzureAPIKey, config.KeyAzureEndpoint, config.KeyAzureDeployment, config.KeyAzureAPIVersion)
		}
		return NewAzureOpenAIClient(apiKey, endpoint, apiVersion, deployment, snap.Float(config.KeyTemperature, 0)), nil

	case snap.Bool(config.KeyUseAnthropic):
		apiKey := snap.Get(config.KeyAnthropicAPIKey)
		if apiKey == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "%s not configured", config.KeyAnthropicAPIKey)
		}
		return NewAnthropicClient(apiKey, snap.Get(config.KeyAnthropicModel),
			snap.Float(config.KeyTemperature, 0), int64(snap.Int(config.KeyAnthropicMaxTok, 4096))), nil

	case snap.Bool(config.KeyUseOllama):
		return NewOllamaChatClient(
			WithChatBaseURL(snap.GetOr(config.KeyOllamaBaseURL, DefaultOllamaBaseURL)),
			WithChatModel(snap.Get(config.KeyOllamaModel)),
			WithChatTemperature(snap.Float(config.KeyTemperature, 0)),
		), nil
	}
	return nil, apperr.New(apperr.ConfigInvalid, "no LLM backend selected")
}

// buildThread applies the system-turn rules and appends the user prompt.
// An empty system leaves the history untouched. The input slice is never
// mutated; a fresh slice is returned.
func buildThread(system, prompt string, history []Message) []Message {
	thread := make([]Message, 0, len(history)+2)
	switch {
	case system == "":
		thread = append(thread, history...)
	case len(history) == 0:
		thread = append(thread, Message{Role: RoleSystem, Content: system})
	case history[0].Role == RoleSystem:
		thread = append(thread, Message{Role: RoleSystem, Content: system})
		thread = append(thread, history[1:]...)
	default:
		thread = append(thread, Message{Role: RoleSystem, Content: system})
		thread = append(thread, history...)
	}
	return append(thread, Message{Role: RoleUser, Content: prompt})
}

// splitSystem separates the leading system turn from the rest of the thread,
// for backends that take the system instruction out of band.
func splitSystem(thread []Message) (string, []Message) {
	if len(thread) > 0 && thread[0].Role == RoleSystem {
		return thread[0].Content, thread[1:]
	}
	return "", thread
}

// emit delivers a chunk unless the context is cancelled first.
func emit(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

// CleanReply strips the fenced code-block wrapper some models put around an
// otherwise plain reply. The wrapper is removed only when both fences sit on
// their own lines; anything else is returned unchanged.
func CleanReply(reply string) string {
	lines := strings.Split(reply, "\n")
	if len(lines) < 2 {
		return reply
	}
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(first, "```") || last != "```" {
		return reply
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// IsNo reports whether an LLM yes/no style answer means "no": the reply,
// lowercased and stripped, starts with "no". Anything else counts as yes.
func IsNo(reply string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "no")
}
