package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API endpoint.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the model used when none is configured.
	DefaultOllamaModel = "llama3.2"
)

// OllamaChatClient implements ChatClient using Ollama's chat API.
type OllamaChatClient struct {
	baseURL     string
	httpClient  *http.Client
	model       string
	temperature float64
}

// ChatOption is a functional option for configuring OllamaChatClient.
type ChatOption func(*OllamaChatClient)

// WithChatBaseURL sets a custom base URL for the Ollama API.
func WithChatBaseURL(url string) ChatOption {
	return func(c *OllamaChatClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithChatHTTPClient sets a custom HTTP client.
func WithChatHTTPClient(client *http.Client) ChatOption {
	return func(c *OllamaChatClient) {
		c.httpClient = client
	}
}

// WithChatModel sets the model for the client. An empty model keeps the
// default.
func WithChatModel(model string) ChatOption {
	return func(c *OllamaChatClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithChatTemperature sets the generation temperature.
func WithChatTemperature(temperature float64) ChatOption {
	return func(c *OllamaChatClient) {
		c.temperature = temperature
	}
}

// NewOllamaChatClient creates a new Ollama chat client with the given options.
func NewOllamaChatClient(opts ...ChatOption) *OllamaChatClient {
	c := &OllamaChatClient{
		baseURL: DefaultOllamaBaseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		model: DefaultOllamaModel,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ollamaChatRequest represents the request body for Ollama's chat API.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse represents a response line from Ollama's chat API.
type ollamaChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
}

// Respond implements ChatClient.
func (c *OllamaChatClient) Respond(ctx context.Context, system, prompt string, history []Message) (string, []Message, error) {
	thread := buildThread(system, prompt, history)

	req, err := c.buildRequest(ctx, thread, false)
	if err != nil {
		return "", nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, fmt.Errorf("decoding response: %w", err)
	}

	return result.Message.Content, thread, nil
}

// RespondStream implements ChatClient.
func (c *OllamaChatClient) RespondStream(ctx context.Context, system, prompt string, history []Message) (<-chan StreamChunk, []Message, error) {
	thread := buildThread(system, prompt, history)

	req, err := c.buildRequest(ctx, thread, true)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}

	// Create a client without timeout for streaming (context handles cancellation)
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					return
				}
				emit(ctx, chunks, StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true})
				return
			}

			// Skip empty lines
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var streamResp ollamaChatResponse
			if err := json.Unmarshal(line, &streamResp); err != nil {
				emit(ctx, chunks, StreamChunk{Error: fmt.Errorf("parsing stream response: %w", err), Done: true})
				return
			}

			if !emit(ctx, chunks, StreamChunk{Token: streamResp.Message.Content, Done: streamResp.Done}) {
				return
			}

			if streamResp.Done {
				return
			}
		}
	}()

	return chunks, thread, nil
}

// buildRequest constructs the HTTP request for the Ollama chat API.
func (c *OllamaChatClient) buildRequest(ctx context.Context, thread []Message, stream bool) (*http.Request, error) {
	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: thread,
		Stream:   stream,
		Options:  map[string]any{"temperature": c.temperature},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// Ensure OllamaChatClient implements ChatClient interface.
var _ ChatClient = (*OllamaChatClient)(nil)
