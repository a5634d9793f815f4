package knowledge

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

// DefaultLimit is the number of passages returned per search
const DefaultLimit = 4

// Retrieval is the outcome of one retrieval round
type Retrieval struct {
	Query    Query
	Passages []conversation.Passage
	// Err is the search failure, if any. Passages is empty when set.
	Err error
}

// Retriever formulates a query and searches the index
type Retriever struct {
	formulator *Formulator
	index      Index
	limit      int
	logger     *zap.Logger
}

// NewRetriever creates a new retriever. limit <= 0 means DefaultLimit.
func NewRetriever(formulator *Formulator, index Index, limit int, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Retriever{formulator: formulator, index: index, limit: limit, logger: logger}
}

// Retrieve never fails. A search error yields an empty passage set, which the
// grader treats as irrelevant.
func (r *Retriever) Retrieve(ctx context.Context, in FormulateInput) Retrieval {
	q := r.formulator.Formulate(ctx, in)

	passages, err := r.index.Search(ctx, q.Text, r.limit, q.Condition)
	if err != nil {
		r.logger.Warn("guideline search failed",
			zap.String("query", q.Text),
			zap.String("condition", q.Condition),
			zap.Error(err))
		return Retrieval{Query: q, Passages: []conversation.Passage{}, Err: err}
	}
	if passages == nil {
		passages = []conversation.Passage{}
	}
	if len(passages) > r.limit {
		passages = passages[:r.limit]
	}

	r.logger.Debug("guidelines retrieved",
		zap.String("query", q.Text),
		zap.String("condition", q.Condition),
		zap.Int("passages", len(passages)))
	return Retrieval{Query: q, Passages: passages}
}
