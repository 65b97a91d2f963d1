package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/embedder"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// walkConcurrency bounds how many files convert and embed at once during a
// full directory ingest.
const walkConcurrency = 4

// Ingestor loads documents from disk into the retriever store. Per-file
// uploads serialize against same-path uploads; a full directory ingest runs
// files concurrently and commits one atomic batch.
type Ingestor struct {
	store  retriever.Retriever
	embed  embedder.Embedder
	logger *slog.Logger
	locks  *pathLocks
}

// New creates an ingestor writing to store with vectors from emb.
func New(store retriever.Retriever, emb embedder.Embedder, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		embed:  emb,
		logger: logger,
		locks:  newPathLocks(),
	}
}

// IngestAll walks the configured data directory and loads every supported
// file. Files that fail conversion or embedding are logged and skipped; the
// surviving chunks are deduplicated and committed in one Add.
func (in *Ingestor) IngestAll(ctx context.Context, snap *config.Snapshot) error {
	dataRoot := snap.GetOr(config.KeyDataDirectory, "data")
	run := uuid.New().String()
	logger := in.logger.With("ingest_run", run, "data_directory", dataRoot)

	paths, err := in.collectPaths(dataRoot, snap)
	if err != nil {
		return fmt.Errorf("walk %s: %w", dataRoot, err)
	}
	logger.Info("starting directory ingest", "files", len(paths))

	registry := NewRegistry(snap.GetOr(config.KeyJSONSchema, "@this"), snap.GetOr(config.KeyCSVSeparator, ","))
	splitter, err := NewSplitter(snap, in.embed)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var chunks []retriever.Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			fileChunks, err := in.processFile(gctx, registry, splitter, dataRoot, path)
			if err != nil {
				// A bad file never aborts the batch.
				logger.Warn("skipping file", "path", path, "error", apperr.Wrap(apperr.IngestItemFailed, err))
				return nil
			}
			mu.Lock()
			chunks = append(chunks, fileChunks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	chunks = dedupeChunks(chunks)
	if len(chunks) == 0 {
		logger.Info("nothing to ingest")
		return nil
	}
	if err := in.store.Add(ctx, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	logger.Info("directory ingest complete", "chunks", len(chunks))
	return nil
}

// IngestFile loads a single file, as used by uploads. Files whose extension
// is not in file_types (or has no converter) are skipped without error, the
// same as during a directory walk. Concurrent calls for the same path
// serialize; distinct paths proceed in parallel.
func (in *Ingestor) IngestFile(ctx context.Context, snap *config.Snapshot, path string) error {
	registry := NewRegistry(snap.GetOr(config.KeyJSONSchema, "@this"), snap.GetOr(config.KeyCSVSeparator, ","))

	ext := extension(path)
	allowed := allowedTypes(snap)
	if (len(allowed) > 0 && !allowed[ext]) || !registry.Supported(ext) {
		in.logger.Info("skipping file with disallowed extension", "path", path, "extension", ext)
		return nil
	}

	in.locks.Lock(path)
	defer in.locks.Unlock(path)

	splitter, err := NewSplitter(snap, in.embed)
	if err != nil {
		return err
	}

	chunks, err := in.processFile(ctx, registry, splitter, snap.GetOr(config.KeyDataDirectory, "data"), path)
	if err != nil {
		return apperr.Wrap(apperr.IngestItemFailed, err)
	}
	chunks = dedupeChunks(chunks)
	if len(chunks) == 0 {
		return nil
	}
	if err := in.store.Add(ctx, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	in.logger.Info("file ingested", "path", path, "chunks", len(chunks))
	return nil
}

// collectPaths walks the data directory keeping files whose extension is in
// the file_types option. An empty file_types accepts every convertible
// extension.
func (in *Ingestor) collectPaths(dataRoot string, snap *config.Snapshot) ([]string, error) {
	allowed := allowedTypes(snap)
	registry := NewRegistry("", "")

	var paths []string
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := extension(path)
		if len(allowed) > 0 && !allowed[ext] {
			return nil
		}
		if !registry.Supported(ext) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// allowedTypes reads the file_types option into a set. An empty set means
// every convertible extension is accepted.
func allowedTypes(snap *config.Snapshot) map[string]bool {
	allowed := map[string]bool{}
	for _, ext := range snap.List(config.KeyFileTypes) {
		allowed[ext] = true
	}
	return allowed
}

// processFile converts, splits, and embeds one file into store-ready chunks.
func (in *Ingestor) processFile(ctx context.Context, registry *Registry, splitter Splitter, dataRoot, path string) ([]retriever.Chunk, error) {
	text, err := registry.Convert(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	pieces, err := splitter.Split(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if len(pieces) == 0 {
		return nil, nil
	}

	vectors, err := in.embed.EmbedBatch(ctx, pieces)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("expected %d vectors, got %d", len(pieces), len(vectors))
	}

	dataset := datasetOf(dataRoot, path)
	chunks := make([]retriever.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = retriever.Chunk{
			ID:        chunkID(piece),
			Content:   piece,
			Embedding: vectors[i],
			Metadata: map[string]any{
				"source":  path,
				"dataset": dataset,
			},
		}
	}
	return chunks, nil
}

// chunkID derives the stable chunk identity from its text, so re-ingesting
// unchanged content is a no-op at the store.
func chunkID(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// datasetOf names the dataset after the last directory component of the
// file's parent relative to the data root. Files directly under the root get
// the empty dataset.
func datasetOf(dataRoot, path string) string {
	rel, err := filepath.Rel(dataRoot, path)
	if err != nil {
		rel = path
	}
	dir := filepath.Dir(rel)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return filepath.Base(dir)
}

// dedupeChunks removes duplicate ids keeping first-occurrence order; the
// last occurrence's data wins.
func dedupeChunks(chunks []retriever.Chunk) []retriever.Chunk {
	if len(chunks) == 0 {
		return chunks
	}
	index := make(map[string]int, len(chunks))
	out := make([]retriever.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if i, ok := index[chunk.ID]; ok {
			out[i] = chunk
			continue
		}
		index[chunk.ID] = len(out)
		out = append(out, chunk)
	}
	return out
}
