package index

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/abdul-hamid-achik/vecmemo/internal/db"
	"github.com/abdul-hamid-achik/vecmemo/internal/embed"
	"github.com/abdul-hamid-achik/vecmemo/internal/projection"
)

// Pipeline turns a queued document into stored chunks: chunk, embed,
// project, persist. One Pipeline serves one bound embedding service.
type Pipeline struct {
	db         *db.DB
	provider   embed.Provider
	vectors    [][]float32
	serviceID  int64
	dimensions int
	chunker    *Chunker
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(database *db.DB, provider embed.Provider, vectors [][]float32, serviceID int64, dimensions int, chunkerCfg ChunkerConfig) *Pipeline {
	return &Pipeline{
		db:         database,
		provider:   provider,
		vectors:    vectors,
		serviceID:  serviceID,
		dimensions: dimensions,
		chunker:    NewChunker(chunkerCfg),
	}
}

// EmbedAndStore processes one queue item. The provider call happens first,
// outside any transaction; only then is the write transaction opened that
// persists embeddings, projections, chunks and optional text atomically.
// A document whose text chunks to nothing stores nothing and succeeds.
func (p *Pipeline) EmbedAndStore(ctx context.Context, item db.QueueItem) error {
	texts := p.chunker.Chunk(item.Text)
	if len(texts) == 0 {
		return nil
	}

	batch, err := p.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %s/%d: %w", item.SourceType, item.SourceID, err)
	}
	if len(batch.Vectors) != len(texts) {
		return fmt.Errorf("embed %s/%d: got %d vectors for %d chunks",
			item.SourceType, item.SourceID, len(batch.Vectors), len(texts))
	}

	doc := db.Document{
		SourceType: item.SourceType,
		SourceID:   item.SourceID,
		PairID:     item.PairID,
		ParentID:   item.ParentID,
		ServiceID:  p.serviceID,
		Chunks:     make([]db.DocumentChunk, len(texts)),
	}

	var offset int64
	for i, text := range texts {
		vec := batch.Vectors[i]
		if len(vec) != p.dimensions {
			return fmt.Errorf("embed %s/%d: chunk %d has %d dimensions, want %d: %w",
				item.SourceType, item.SourceID, i, len(vec), p.dimensions, embed.ErrDimensionMismatch)
		}
		proj, err := projection.Project(vec, p.vectors)
		if err != nil {
			return fmt.Errorf("project %s/%d: %w", item.SourceType, item.SourceID, err)
		}
		size := int64(utf8.RuneCountInString(text))
		doc.Chunks[i] = db.DocumentChunk{
			Text:       text,
			Hash:       db.Hash(text),
			Vector:     vec,
			TokenCount: batch.TokenCounts[i],
			Projection: proj,
			Offset:     offset,
			Size:       size,
		}
		offset += size
	}

	if err := p.db.StoreDocument(ctx, doc); err != nil {
		return fmt.Errorf("store %s/%d: %w", item.SourceType, item.SourceID, err)
	}
	return nil
}
