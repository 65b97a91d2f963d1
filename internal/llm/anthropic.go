package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicClient implements ChatClient against the Anthropic messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropicClient creates a ChatClient backed by the Anthropic API.
func NewAnthropicClient(apiKey, model string, temperature float64, maxTokens int64) *AnthropicClient {
	return &AnthropicClient{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// Respond implements ChatClient. Replies are flattened to the concatenation
// of the text content blocks.
func (c *AnthropicClient) Respond(ctx context.Context, system, prompt string, history []Message) (string, []Message, error) {
	thread := buildThread(system, prompt, history)

	message, err := c.client.Messages.New(ctx, c.params(thread))
	if err != nil {
		return "", nil, fmt.Errorf("anthropic message: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), thread, nil
}

// RespondStream implements ChatClient.
func (c *AnthropicClient) RespondStream(ctx context.Context, system, prompt string, history []Message) (<-chan StreamChunk, []Message, error) {
	thread := buildThread(system, prompt, history)
	stream := c.client.Messages.NewStreaming(ctx, c.params(thread))

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta()
			if delta.Delta.Type != "text_delta" || delta.Delta.Text == "" {
				continue
			}
			if !emit(ctx, chunks, StreamChunk{Token: delta.Delta.Text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, chunks, StreamChunk{Error: fmt.Errorf("anthropic stream: %w", err), Done: true})
			return
		}
		emit(ctx, chunks, StreamChunk{Done: true})
	}()

	return chunks, thread, nil
}

func (c *AnthropicClient) params(thread []Message) anthropic.MessageNewParams {
	system, rest := splitSystem(thread)

	messages := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: param.NewOpt(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Ensure AnthropicClient implements ChatClient interface.
var _ ChatClient = (*AnthropicClient)(nil)
