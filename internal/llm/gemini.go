package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements ChatClient against the Google Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float64
}

// NewGeminiClient creates a ChatClient backed by the Gemini API.
func NewGeminiClient(apiKey, model string, temperature float64) (*GeminiClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model, temperature: temperature}, nil
}

// Respond implements ChatClient.
func (c *GeminiClient) Respond(ctx context.Context, system, prompt string, history []Message) (string, []Message, error) {
	thread := buildThread(system, prompt, history)
	contents, cfg := c.request(thread)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", nil, fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), thread, nil
}

// RespondStream implements ChatClient.
func (c *GeminiClient) RespondStream(ctx context.Context, system, prompt string, history []Message) (<-chan StreamChunk, []Message, error) {
	thread := buildThread(system, prompt, history)
	contents, cfg := c.request(thread)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				emit(ctx, chunks, StreamChunk{Error: fmt.Errorf("gemini stream: %w", err), Done: true})
				return
			}
			token := resp.Text()
			if token == "" {
				continue
			}
			if !emit(ctx, chunks, StreamChunk{Token: token}) {
				return
			}
		}
		emit(ctx, chunks, StreamChunk{Done: true})
	}()

	return chunks, thread, nil
}

// request maps the thread onto Gemini contents. Gemini has no assistant
// role and no inline system role; assistant turns become "model" and the
// system message rides on the generation config.
func (c *GeminiClient) request(thread []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(thread)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.temperature)),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return contents, cfg
}

// Ensure GeminiClient implements ChatClient interface.
var _ ChatClient = (*GeminiClient)(nil)
