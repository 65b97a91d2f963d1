package llm

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// OpenAIClient implements ChatClient against the OpenAI chat completions API.
// It also serves Azure OpenAI deployments, which expose the same API surface
// behind different endpoint plumbing.
type OpenAIClient struct {
	client      openaisdk.Client
	model       string
	temperature float64
}

// NewOpenAIClient creates a ChatClient backed by the OpenAI API.
func NewOpenAIClient(apiKey, model string, temperature float64) *OpenAIClient {
	return &OpenAIClient{
		client:      openaisdk.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: temperature,
	}
}

// NewAzureOpenAIClient creates a ChatClient backed by an Azure OpenAI
// deployment. The deployment name doubles as the model identifier.
func NewAzureOpenAIClient(apiKey, endpoint, apiVersion, deployment string, temperature float64) *OpenAIClient {
	return &OpenAIClient{
		client: openaisdk.NewClient(
			azure.WithEndpoint(endpoint, apiVersion),
			azure.WithAPIKey(apiKey),
		),
		model:       deployment,
		temperature: temperature,
	}
}

// Respond implements ChatClient.
func (c *OpenAIClient) Respond(ctx context.Context, system, prompt string, history []Message) (string, []Message, error) {
	thread := buildThread(system, prompt, history)

	completion, err := c.client.Chat.Completions.New(ctx, c.params(thread))
	if err != nil {
		return "", nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", nil, fmt.Errorf("openai chat completion: no choices returned")
	}
	return completion.Choices[0].Message.Content, thread, nil
}

// RespondStream implements ChatClient.
func (c *OpenAIClient) RespondStream(ctx context.Context, system, prompt string, history []Message) (<-chan StreamChunk, []Message, error) {
	thread := buildThread(system, prompt, history)
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(thread))

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			delta := event.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !emit(ctx, chunks, StreamChunk{Token: delta}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, chunks, StreamChunk{Error: fmt.Errorf("openai stream: %w", err), Done: true})
			return
		}
		emit(ctx, chunks, StreamChunk{Done: true})
	}()

	return chunks, thread, nil
}

func (c *OpenAIClient) params(thread []Message) openaisdk.ChatCompletionNewParams {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(thread))
	for _, m := range thread {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openaisdk.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		}
	}
	return openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(c.model),
		Messages:    messages,
		Temperature: param.NewOpt(c.temperature),
	}
}

// Ensure OpenAIClient implements ChatClient interface.
var _ ChatClient = (*OpenAIClient)(nil)
