package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"
)

// Option keys understood by the pipeline. The file may carry more; unknown
// keys are preserved and served back verbatim.
const (
	KeyUseOpenAI    = "use_openai"
	KeyUseGemini    = "use_gemini"
	KeyUseAzure     = "use_azure"
	KeyUseAnthropic = "use_anthropic"
	KeyUseOllama    = "use_ollama"

	KeyOpenAIModel     = "openai_model_name"
	KeyOpenAIAPIKey    = "OPENAI_API_KEY"
	KeyGeminiModel     = "gemini_model_name"
	KeyGoogleAPIKey    = "GOOGLE_API_KEY"
	KeyAzureAPIKey     = "AZURE_OPENAI_API_KEY"
	KeyAzureEndpoint   = "AZURE_OPENAI_ENDPOINT"
	KeyAzureDeployment = "AZURE_OPENAI_CHAT_DEPLOYMENT_NAME"
	KeyAzureAPIVersion = "AZURE_OPENAI_API_VERSION"
	KeyAnthropicModel  = "anthropic_model_name"
	KeyAnthropicAPIKey = "ANTHROPIC_API_KEY"
	KeyAnthropicMaxTok = "anthropic_max_tokens"
	KeyOllamaModel     = "ollama_model_name"
	KeyOllamaBaseURL   = "ollama_base_url"

	KeyTemperature = "temperature"

	KeyEmbeddingProvider  = "embedding_provider"
	KeyEmbeddingModel     = "embedding_model"
	KeyEmbeddingDimension = "embedding_dimension"
	KeyEmbeddingCPU       = "embedding_cpu"
	KeyEmbeddingBatchSize = "embedding_batch_size"

	KeySplitter                = "splitter"
	KeyRecursiveChunkSize      = "recursive_splitter_chunk_size"
	KeyRecursiveChunkOverlap   = "recursive_splitter_chunk_overlap"
	KeySemanticThresholdType   = "semantic_chunker_breakpoint_threshold_type"
	KeySemanticThresholdAmount = "semantic_chunker_breakpoint_threshold_amount"
	KeySemanticNumberOfChunks  = "semantic_chunker_number_of_chunks"
	KeyParagraphMaxChunkSize   = "paragraph_chunker_max_chunk_size"
	KeyParagraphSeparator      = "paragraph_chunker_paragraph_separator"

	KeyDataDirectory = "data_directory"
	KeyFileTypes     = "file_types"
	KeyJSONSchema    = "json_schema"
	KeyCSVSeparator  = "csv_separator"

	KeyRetrievalK = "retrieval_k"
	KeyRerank     = "rerank"
	KeyRerankK    = "rerank_k"

	KeyUseHyDE                = "use_hyde"
	KeyUseRewriteLoop         = "use_rewrite_loop"
	KeyRewriteReembed         = "rewrite_reembed"
	KeyUseRE2                 = "use_re2"
	KeyUseSummarization       = "use_summarization"
	KeySummarizationThreshold = "summarization_threshold"
	KeySummarizationEncoder   = "summarization_encoder"

	KeyHyDEQuery           = "hyde_query"
	KeyRewriteInstruction  = "rewrite_query_instruction"
	KeyRewriteQuestion     = "rewrite_query_question"
	KeyRewritePrompt       = "rewrite_query_prompt"
	KeyRE2Prompt           = "re2_prompt"
	KeyRAGInstruction      = "rag_instruction"
	KeyRAGQuestionInitial  = "rag_question_initial"
	KeyRAGQuestionFollowup = "rag_question_followup"
	KeyRAGFetchNewQuestion = "rag_fetch_new_question"
	KeySummarizationQuery  = "summarization_query"

	KeyProvenanceMethod = "provenance_method"

	KeyPostgresURI = "postgres_uri"
)

// Snapshot is an immutable view of the option file. Pipeline code captures
// one snapshot per request and never re-reads mid-request.
type Snapshot struct {
	values map[string]string
}

// NewSnapshot builds a snapshot from explicit values. Intended for tests;
// production snapshots come from Store.
func NewSnapshot(values map[string]string) *Snapshot {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Snapshot{values: m}
}

// Get returns the raw value for key, or "" when absent.
func (s *Snapshot) Get(key string) string {
	return s.values[key]
}

// GetOr returns the value for key, or fallback when absent or empty.
func (s *Snapshot) GetOr(key, fallback string) string {
	if v, ok := s.values[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Bool reports whether the option is the literal string "True", the flag
// convention used throughout the option file.
func (s *Snapshot) Bool(key string) bool {
	return s.values[key] == "True"
}

// Int parses the option as an integer, returning fallback when absent or
// malformed.
func (s *Snapshot) Int(key string, fallback int) int {
	v, ok := s.values[key]
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// Float parses the option as a float64, returning fallback when absent or
// malformed.
func (s *Snapshot) Float(key string, fallback float64) float64 {
	v, ok := s.values[key]
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

// List splits a comma-separated option into trimmed non-empty elements.
func (s *Snapshot) List(key string) []string {
	v := s.values[key]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Map returns a copy of all options, for the config read endpoint.
func (s *Snapshot) Map() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Store owns the option file and publishes immutable snapshots of it.
// Reload swaps the snapshot atomically; requests already running keep the
// snapshot they started with.
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// Open reads the option file at path. A missing file yields an empty
// snapshot, matching the behavior of serving an unconfigured instance.
func Open(path string) (*Store, error) {
	st := &Store{path: path}
	if _, err := st.Reload(); err != nil {
		return nil, err
	}
	return st, nil
}

// Path returns the option file location.
func (st *Store) Path() string {
	return st.path
}

// Current returns the latest published snapshot.
func (st *Store) Current() *Snapshot {
	return st.cur.Load()
}

// Reload re-reads the option file and publishes a fresh snapshot.
func (st *Store) Reload() (*Snapshot, error) {
	values, err := godotenv.Read(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			values = map[string]string{}
		} else {
			return nil, fmt.Errorf("read option file %s: %w", st.path, err)
		}
	}
	snap := &Snapshot{values: values}
	st.cur.Store(snap)
	return snap, nil
}

// Update rewrites the option file with the given changes, preserving line
// order and comments, then reloads. Returns the updated key names sorted.
func (st *Store) Update(changes map[string]string) ([]string, error) {
	updated, err := updateFile(st.path, changes)
	if err != nil {
		return nil, err
	}
	if _, err := st.Reload(); err != nil {
		return nil, err
	}
	return updated, nil
}
