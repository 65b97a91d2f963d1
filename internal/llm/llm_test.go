package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
)

func TestBuildThread(t *testing.T) {
	tests := []struct {
		name     string
		system   string
		prompt   string
		history  []Message
		expected []Message
	}{
		{
			name:   "no system empty history",
			prompt: "hello",
			expected: []Message{
				{Role: RoleUser, Content: "hello"},
			},
		},
		{
			name:   "system with empty history",
			system: "be brief",
			prompt: "hello",
			expected: []Message{
				{Role: RoleSystem, Content: "be brief"},
				{Role: RoleUser, Content: "hello"},
			},
		},
		{
			name:   "system replaces existing system turn",
			system: "new instruction",
			prompt: "next",
			history: []Message{
				{Role: RoleSystem, Content: "old instruction"},
				{Role: RoleUser, Content: "first"},
				{Role: RoleAssistant, Content: "reply"},
			},
			expected: []Message{
				{Role: RoleSystem, Content: "new instruction"},
				{Role: RoleUser, Content: "first"},
				{Role: RoleAssistant, Content: "reply"},
				{Role: RoleUser, Content: "next"},
			},
		},
		{
			name:   "system prepended when history has none",
			system: "instruction",
			prompt: "next",
			history: []Message{
				{Role: RoleUser, Content: "first"},
				{Role: RoleAssistant, Content: "reply"},
			},
			expected: []Message{
				{Role: RoleSystem, Content: "instruction"},
				{Role: RoleUser, Content: "first"},
				{Role: RoleAssistant, Content: "reply"},
				{Role: RoleUser, Content: "next"},
			},
		},
		{
			name:   "no system keeps existing system turn",
			prompt: "next",
			history: []Message{
				{Role: RoleSystem, Content: "old instruction"},
				{Role: RoleUser, Content: "first"},
			},
			expected: []Message{
				{Role: RoleSystem, Content: "old instruction"},
				{Role: RoleUser, Content: "first"},
				{Role: RoleUser, Content: "next"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := buildThread(tt.system, tt.prompt, tt.history)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("buildThread() = %v, expected %v", result, tt.expected)
			}
		})
	}
}

func TestBuildThreadDoesNotMutateHistory(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "old"},
		{Role: RoleUser, Content: "question"},
	}
	original := make([]Message, len(history))
	copy(original, history)

	buildThread("new", "prompt", history)

	if !reflect.DeepEqual(history, original) {
		t.Errorf("history mutated: %v, expected %v", history, original)
	}
}

func TestSplitSystem(t *testing.T) {
	tests := []struct {
		name           string
		thread         []Message
		expectedSystem string
		expectedRest   int
	}{
		{
			name:           "leading system turn",
			thread:         []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "q"}},
			expectedSystem: "sys",
			expectedRest:   1,
		},
		{
			name:           "no system turn",
			thread:         []Message{{Role: RoleUser, Content: "q"}},
			expectedSystem: "",
			expectedRest:   1,
		},
		{
			name:           "empty thread",
			thread:         nil,
			expectedSystem: "",
			expectedRest:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, rest := splitSystem(tt.thread)
			if system != tt.expectedSystem {
				t.Errorf("system = %q, expected %q", system, tt.expectedSystem)
			}
			if len(rest) != tt.expectedRest {
				t.Errorf("len(rest) = %d, expected %d", len(rest), tt.expectedRest)
			}
		})
	}
}

func TestCleanReply(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "fenced json block",
			input:    "```json\n{\"title\": \"Hi\"}\n```",
			expected: "{\"title\": \"Hi\"}",
		},
		{
			name:     "bare fences",
			input:    "```\nplain text\n```",
			expected: "plain text",
		},
		{
			name:     "multi line body",
			input:    "```\nline one\nline two\n```",
			expected: "line one\nline two",
		},
		{
			name:     "fences with surrounding spaces",
			input:    "``` \nbody\n ``` ",
			expected: "body",
		},
		{
			name:     "empty block",
			input:    "```\n```",
			expected: "",
		},
		{
			name:     "single line untouched",
			input:    "```inline```",
			expected: "```inline```",
		},
		{
			name:     "no fences untouched",
			input:    "just a reply\nwith two lines",
			expected: "just a reply\nwith two lines",
		},
		{
			name:     "missing closing fence untouched",
			input:    "```python\ncode without end",
			expected: "```python\ncode without end",
		},
		{
			name:     "fence not on first line untouched",
			input:    "prefix\n```\nbody\n```",
			expected: "prefix\n```\nbody\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CleanReply(tt.input)
			if result != tt.expected {
				t.Errorf("CleanReply(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsNo(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"No", true},
		{"no", true},
		{"  NO  ", true},
		{"No, the documents do not contain the answer.", true},
		{"Nothing in there", true},
		{"Yes", false},
		{"yes, they do", false},
		{"", false},
		{"maybe", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := IsNo(tt.input)
			if result != tt.expected {
				t.Errorf("IsNo(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewBackendSelection(t *testing.T) {
	tests := []struct {
		name      string
		values    map[string]string
		expectErr bool
	}{
		{
			name:      "no backend selected",
			values:    map[string]string{},
			expectErr: true,
		},
		{
			name:      "openai without api key",
			values:    map[string]string{"use_openai": "True"},
			expectErr: true,
		},
		{
			name: "openai with api key",
			values: map[string]string{
				"use_openai":        "True",
				"OPENAI_API_KEY":    "sk-test",
				"openai_model_name": "gpt-4o",
			},
		},
		{
			name:      "anthropic without api key",
			values:    map[string]string{"use_anthropic": "True"},
			expectErr: true,
		},
		{
			name:      "azure missing endpoint",
			values:    map[string]string{"use_azure": "True", "AZURE_OPENAI_API_KEY": "key"},
			expectErr: true,
		},
		{
			name:   "ollama needs no key",
			values: map[string]string{"use_ollama": "True", "ollama_model": "llama3.2"},
		},
		{
			name:      "selector flags are python style booleans",
			values:    map[string]string{"use_openai": "true", "OPENAI_API_KEY": "sk-test"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(config.NewSnapshot(tt.values))
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !apperr.Is(err, apperr.ConfigInvalid) {
					t.Errorf("error kind = %v, expected %v", apperr.KindOf(err), apperr.ConfigInvalid)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Error("expected a client, got nil")
			}
		})
	}
}

func TestNewBackendPrecedence(t *testing.T) {
	snap := config.NewSnapshot(map[string]string{
		"use_openai":     "True",
		"use_ollama":     "True",
		"OPENAI_API_KEY": "sk-test",
	})

	client, err := New(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*OpenAIClient); !ok {
		t.Errorf("expected *OpenAIClient, got %T", client)
	}
}

func TestOllamaChatRespond(t *testing.T) {
	var gotReq ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, expected /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{Role: RoleAssistant, Content: "hi there"},
			Done:    true,
		})
	}))
	defer server.Close()

	client := NewOllamaChatClient(
		WithChatBaseURL(server.URL),
		WithChatModel("test-model"),
		WithChatTemperature(0.2),
	)

	history := []Message{{Role: RoleUser, Content: "earlier"}, {Role: RoleAssistant, Content: "sure"}}
	reply, thread, err := client.Respond(context.Background(), "be helpful", "question", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply != "hi there" {
		t.Errorf("reply = %q, expected %q", reply, "hi there")
	}
	if gotReq.Model != "test-model" {
		t.Errorf("model = %q, expected %q", gotReq.Model, "test-model")
	}
	if gotReq.Stream {
		t.Error("expected stream=false")
	}
	expectedThread := []Message{
		{Role: RoleSystem, Content: "be helpful"},
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "sure"},
		{Role: RoleUser, Content: "question"},
	}
	if !reflect.DeepEqual(thread, expectedThread) {
		t.Errorf("thread = %v, expected %v", thread, expectedThread)
	}
	if !reflect.DeepEqual(gotReq.Messages, expectedThread) {
		t.Errorf("request messages = %v, expected %v", gotReq.Messages, expectedThread)
	}
}

func TestOllamaChatRespondStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":"%s"},"done":false}`+"\n", part)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer server.Close()

	client := NewOllamaChatClient(WithChatBaseURL(server.URL))

	chunks, thread, err := client.RespondStream(context.Background(), "", "question", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(thread) != 1 || thread[0].Role != RoleUser {
		t.Fatalf("thread = %v, expected single user turn", thread)
	}

	var text string
	var done bool
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Error)
		}
		text += chunk.Token
		if chunk.Done {
			done = true
		}
	}

	if text != "Hello" {
		t.Errorf("streamed text = %q, expected %q", text, "Hello")
	}
	if !done {
		t.Error("expected a final chunk with Done set")
	}
}
