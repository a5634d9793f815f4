package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/pkg/workerpool"
)

// ErrBacklogged is reported by Ready while the document queue is nearly full
var ErrBacklogged = errors.New("ingestion queue backlogged")

// IsPermanent reports whether retrying doc ingestion cannot help
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownCondition) || errors.Is(err, ErrInvalidDocument)
}

// DecodeDocument parses a guideline document message
func DecodeDocument(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

// AuditRecord is published to the audit trail once a document is indexed
type AuditRecord struct {
	Action    string    `json:"action"`
	Source    string    `json:"source"`
	Condition string    `json:"condition"`
	Chunks    int       `json:"chunks"`
	At        time.Time `json:"at"`
}

// NewAuditRecord describes doc having been indexed as chunks
func NewAuditRecord(doc Document, chunks int, at time.Time) AuditRecord {
	return AuditRecord{
		Action:    "guideline.indexed",
		Source:    doc.Source,
		Condition: knowledge.NormalizeCondition(doc.Condition),
		Chunks:    chunks,
		At:        at.UTC(),
	}
}

// Report summarises a batch
type Report struct {
	Documents int
	Chunks    int
	Failed    map[string]error
}

// Runner ingests documents on a worker pool so embedding calls for several
// documents overlap
type Runner struct {
	ingester  *Ingester
	pool      *workerpool.Pool[Document]
	onIndexed func(int)
	logger    *zap.Logger
}

// NewRunner creates a runner. onIndexed receives chunk counts and may be nil.
func NewRunner(ingester *Ingester, cfg workerpool.Config, onIndexed func(int), logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onIndexed == nil {
		onIndexed = func(int) {}
	}
	cfg.Retryable = func(err error) bool { return !IsPermanent(err) }

	r := &Runner{ingester: ingester, onIndexed: onIndexed, logger: logger}
	pool, err := workerpool.New(cfg, func(ctx context.Context, task *workerpool.Task[Document]) (any, error) {
		return ingester.Ingest(ctx, task.Payload)
	}, logger)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	return r, nil
}

// Start starts the workers
func (r *Runner) Start() { r.pool.Start() }

// Stop drains queued documents and stops the workers
func (r *Runner) Stop() error { return r.pool.Stop() }

// Ready fails while the queue is backing up, so a broker stops routing
// more documents here until it drains
func (r *Runner) Ready(context.Context) error {
	if r.pool.IsHealthy() {
		return nil
	}
	s := r.pool.Stats()
	return fmt.Errorf("%w: %d of %d queued", ErrBacklogged, s.QueueDepth, s.QueueCapacity)
}

// Ingest ingests one document and waits for it
func (r *Runner) Ingest(ctx context.Context, doc Document) (int, error) {
	res, err := r.pool.Do(ctx, &workerpool.Task[Document]{ID: doc.Source, Payload: doc})
	if err != nil {
		return 0, err
	}
	if res.Err != nil {
		return 0, res.Err
	}
	n, _ := res.Value.(int)
	r.onIndexed(n)
	return n, nil
}

// IngestAll ingests docs concurrently and reports per-source failures. Only
// a cancelled ctx fails the batch as a whole.
func (r *Runner) IngestAll(ctx context.Context, docs []Document) (Report, error) {
	rep := Report{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	// never queue more than the pool accepts
	g.SetLimit(r.pool.Stats().QueueCapacity)
	for _, doc := range docs {
		g.Go(func() error {
			n, err := r.Ingest(ctx, doc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed[doc.Source] = err
				return nil
			}
			rep.Documents++
			rep.Chunks += n
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}
