package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/knowledge"
)

// ErrUnknownCondition is returned for a condition tag the index is not
// organised by
var ErrUnknownCondition = errors.New("unknown condition tag")

// ErrInvalidDocument is returned for documents missing a required field
var ErrInvalidDocument = errors.New("invalid document")

// Document is one guideline document to ingest
type Document struct {
	Source    string `json:"source" validate:"required"`
	Condition string `json:"condition" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// Ingester chunks documents and upserts them into the index
type Ingester struct {
	index     knowledge.Index
	chunker   *Chunker
	validator *validator.Validate
	logger    *zap.Logger
}

// NewIngester creates a new ingester. chunker may be nil.
func NewIngester(index knowledge.Index, chunker *Chunker, logger *zap.Logger) *Ingester {
	if chunker == nil {
		chunker = NewChunker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		index:     index,
		chunker:   chunker,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// Chunks returns the index chunks of doc without storing them
func (i *Ingester) Chunks(doc Document) ([]knowledge.Chunk, error) {
	if err := i.validator.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	condition := knowledge.NormalizeCondition(doc.Condition)
	if condition == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, doc.Condition)
	}

	texts := i.chunker.Split(doc.Content)
	chunks := make([]knowledge.Chunk, len(texts))
	for n, text := range texts {
		chunks[n] = knowledge.Chunk{
			ID:        ChunkID(doc.Source, text),
			Source:    doc.Source,
			Condition: condition,
			Content:   text,
			Index:     n,
		}
	}
	return chunks, nil
}

// Ingest chunks doc and upserts it, returning the number of chunks written
func (i *Ingester) Ingest(ctx context.Context, doc Document) (int, error) {
	chunks, err := i.Chunks(doc)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		i.logger.Warn("document produced no chunks", zap.String("source", doc.Source))
		return 0, nil
	}

	written, err := i.index.Upsert(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", doc.Source, err)
	}

	i.logger.Info("guideline ingested",
		zap.String("source", doc.Source),
		zap.String("condition", chunks[0].Condition),
		zap.Int("chunks", len(chunks)),
		zap.Int("written", written))
	return written, nil
}
