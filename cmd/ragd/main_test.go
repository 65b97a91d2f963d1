package main

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// startupStore reports a fixed HasData answer.
type startupStore struct {
	hasData bool
	err     error
}

func (s *startupStore) Setup(ctx context.Context, dim int) error           { return nil }
func (s *startupStore) HasData(ctx context.Context) (bool, error)          { return s.hasData, s.err }
func (s *startupStore) Add(ctx context.Context, _ []retriever.Chunk) error { return nil }
func (s *startupStore) GetRelevant(ctx context.Context, _ string, _ []float32, _ []string, _ int) ([]retriever.Document, error) {
	return nil, nil
}
func (s *startupStore) GetAllDocumentNames(ctx context.Context) ([]string, error) { return nil, nil }
func (s *startupStore) GetDatasets(ctx context.Context) ([]string, error)         { return nil, nil }
func (s *startupStore) Delete(ctx context.Context, _ []string) (int, error)       { return 0, nil }

var _ retriever.Retriever = (*startupStore)(nil)

// recordingIngestor counts IngestAll calls.
type recordingIngestor struct {
	calls int
	err   error
}

func (i *recordingIngestor) IngestAll(ctx context.Context, snap *config.Snapshot) error {
	i.calls++
	return i.err
}

func TestColdStartIngestsWhenStoreEmpty(t *testing.T) {
	ing := &recordingIngestor{}
	err := coldStart(context.Background(), &startupStore{hasData: false}, ing, config.NewSnapshot(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ing.calls != 1 {
		t.Errorf("IngestAll called %d times, expected 1", ing.calls)
	}
}

func TestColdStartSkipsWhenStoreHasData(t *testing.T) {
	ing := &recordingIngestor{}
	err := coldStart(context.Background(), &startupStore{hasData: true}, ing, config.NewSnapshot(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ing.calls != 0 {
		t.Errorf("IngestAll called %d times, expected 0", ing.calls)
	}
}

func TestColdStartPropagatesFailures(t *testing.T) {
	tests := []struct {
		name  string
		store *startupStore
		ing   *recordingIngestor
	}{
		{name: "store check fails", store: &startupStore{err: errors.New("pool closed")}, ing: &recordingIngestor{}},
		{name: "ingestion fails", store: &startupStore{}, ing: &recordingIngestor{err: errors.New("walk failed")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := coldStart(context.Background(), tt.store, tt.ing, config.NewSnapshot(nil)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
