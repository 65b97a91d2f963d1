package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// captureStore records Add calls; the query methods are unused here.
type captureStore struct {
	mu    sync.Mutex
	adds  int
	added []retriever.Chunk
}

func (s *captureStore) Setup(ctx context.Context, dim int) error { return nil }
func (s *captureStore) HasData(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added) > 0, nil
}

func (s *captureStore) Add(ctx context.Context, chunks []retriever.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	s.added = append(s.added, chunks...)
	return nil
}

func (s *captureStore) GetRelevant(ctx context.Context, query string, queryVec []float32, datasets []string, k int) ([]retriever.Document, error) {
	return nil, nil
}
func (s *captureStore) GetAllDocumentNames(ctx context.Context) ([]string, error) { return nil, nil }
func (s *captureStore) GetDatasets(ctx context.Context) ([]string, error)         { return nil, nil }
func (s *captureStore) Delete(ctx context.Context, sourcePaths []string) (int, error) {
	return 0, nil
}

var _ retriever.Retriever = (*captureStore)(nil)

// countingEmbedder returns constant vectors and counts batch calls.
type countingEmbedder struct {
	mu      sync.Mutex
	batches int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (e *countingEmbedder) Dimension() int    { return 2 }
func (e *countingEmbedder) ModelName() string { return "counting" }

func ingestSnapshot(dataDir string) *config.Snapshot {
	return config.NewSnapshot(map[string]string{
		config.KeyDataDirectory: dataDir,
		config.KeyFileTypes:     "txt,md",
		config.KeySplitter:      SplitterParagraph,
	})
}

func TestIngestAllDeduplicatesIdenticalFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.txt", "the same content")
	writeFile(t, dir, "two.txt", "the same content")

	store := &captureStore{}
	in := New(store, &countingEmbedder{}, nil)

	if err := in.IngestAll(context.Background(), ingestSnapshot(dir)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.added) != 1 {
		t.Fatalf("stored %d chunks, expected identical files to collapse to 1", len(store.added))
	}
	if store.adds != 1 {
		t.Errorf("Add called %d times, expected one atomic batch", store.adds)
	}
	if store.added[0].ID != chunkID("the same content") {
		t.Errorf("chunk id = %q, expected the md5 of the content", store.added[0].ID)
	}
}

func TestIngestAllSetsSourceAndDataset(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "manuals")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	rootFile := writeFile(t, dir, "root.txt", "root content")
	subFile := writeFile(t, sub, "sub.txt", "sub content")

	store := &captureStore{}
	in := New(store, &countingEmbedder{}, nil)
	if err := in.IngestAll(context.Background(), ingestSnapshot(dir)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byID := map[string]retriever.Chunk{}
	for _, c := range store.added {
		byID[c.ID] = c
	}
	root := byID[chunkID("root content")]
	if root.Metadata["dataset"] != "" {
		t.Errorf("root file dataset = %q, expected empty", root.Metadata["dataset"])
	}
	if root.Metadata["source"] != rootFile {
		t.Errorf("root source = %v, expected %s", root.Metadata["source"], rootFile)
	}
	subChunk := byID[chunkID("sub content")]
	if subChunk.Metadata["dataset"] != "manuals" {
		t.Errorf("sub file dataset = %v, expected manuals", subChunk.Metadata["dataset"])
	}
	if subChunk.Metadata["source"] != subFile {
		t.Errorf("sub source = %v, expected %s", subChunk.Metadata["source"], subFile)
	}
}

func TestIngestAllSkipsUnlistedAndBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "kept")
	writeFile(t, dir, "skip.csv", "not,in,file_types")
	writeFile(t, dir, "broken.md", "") // empty files split to nothing

	store := &captureStore{}
	in := New(store, &countingEmbedder{}, nil)
	if err := in.IngestAll(context.Background(), ingestSnapshot(dir)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.added) != 1 {
		t.Fatalf("stored %d chunks, expected only keep.txt", len(store.added))
	}
	if store.added[0].Content != "kept" {
		t.Errorf("content = %q, expected kept", store.added[0].Content)
	}
}

func TestIngestFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "upload.txt", "uploaded content")

	store := &captureStore{}
	in := New(store, &countingEmbedder{}, nil)
	if err := in.IngestFile(context.Background(), ingestSnapshot(dir), path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.added) != 1 {
		t.Fatalf("stored %d chunks, expected 1", len(store.added))
	}
	if store.added[0].Metadata["source"] != path {
		t.Errorf("source = %v, expected %s", store.added[0].Metadata["source"], path)
	}
}

func TestIngestFileSkipsDisallowedExtension(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		file      string
		fileTypes string
	}{
		{name: "extension not in file_types", file: "report.csv", fileTypes: "txt,md"},
		{name: "no converter for extension", file: "tool.exe", fileTypes: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, "payload")
			snap := config.NewSnapshot(map[string]string{
				config.KeyDataDirectory: dir,
				config.KeyFileTypes:     tt.fileTypes,
				config.KeySplitter:      SplitterParagraph,
			})

			store := &captureStore{}
			in := New(store, &countingEmbedder{}, nil)
			if err := in.IngestFile(context.Background(), snap, path); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(store.added) != 0 {
				t.Errorf("stored %d chunks, expected the upload to be skipped", len(store.added))
			}
		})
	}
}

func TestDatasetOf(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want string
	}{
		{name: "file at root", root: "data", path: "data/file.txt", want: ""},
		{name: "one level", root: "data", path: "data/wiki/file.txt", want: "wiki"},
		{name: "nested keeps last component", root: "data", path: "data/a/b/file.txt", want: "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := datasetOf(tt.root, tt.path); got != tt.want {
				t.Errorf("datasetOf(%q, %q) = %q, expected %q", tt.root, tt.path, got, tt.want)
			}
		})
	}
}

func TestDedupeChunks(t *testing.T) {
	chunks := []retriever.Chunk{
		{ID: "a", Content: "first a"},
		{ID: "b", Content: "b"},
		{ID: "a", Content: "second a"},
	}
	got := dedupeChunks(chunks)
	if len(got) != 2 {
		t.Fatalf("len = %d, expected 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = [%s %s], expected first-occurrence order [a b]", got[0].ID, got[1].ID)
	}
	if got[0].Content != "second a" {
		t.Errorf("content = %q, expected the last occurrence to win", got[0].Content)
	}
}

func TestPathLocksSerializeSamePath(t *testing.T) {
	locks := newPathLocks()
	var order []int
	var mu sync.Mutex

	locks.Lock("p")
	done := make(chan struct{})
	go func() {
		locks.Lock("p")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		locks.Unlock("p")
		close(done)
	}()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	locks.Unlock("p")
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, expected the holder to run first", order)
	}
	if len(locks.locks) != 0 {
		t.Errorf("lock registry should be empty after release, has %d entries", len(locks.locks))
	}
}
