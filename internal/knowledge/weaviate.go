package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

// WeaviateConfig configures the Weaviate index
type WeaviateConfig struct {
	URL     string
	APIKey  string
	Class   string
	Timeout time.Duration
}

// WeaviateIndex stores guideline chunks in a Weaviate class with
// externally computed vectors.
type WeaviateIndex struct {
	client   *weaviate.Client
	class    string
	timeout  time.Duration
	embedder Embedder
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewWeaviateIndex creates the index client. breaker may be nil.
func NewWeaviateIndex(cfg WeaviateConfig, embedder Embedder, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*WeaviateIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", cfg.URL)
	}
	if cfg.Class == "" {
		cfg.Class = "ClinicalGuideline"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	wc := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &WeaviateIndex{
		client:   client,
		class:    cfg.Class,
		timeout:  cfg.Timeout,
		embedder: embedder,
		breaker:  breaker,
		logger:   logger,
		tracer:   otel.Tracer("knowledge"),
	}, nil
}

// EnsureSchema creates the guideline class if it does not exist
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.class).Do(ctx); err == nil {
		return nil
	}

	filterable := true
	class := &models.Class{
		Class:       w.class,
		Description: "Chunks of clinical practice guidelines",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "source", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "condition", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "chunk_index", DataType: []string{"int"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", w.class, err)
	}
	w.logger.Info("created guideline class", zap.String("class", w.class))
	return nil
}

// Ready reports whether Weaviate is reachable
func (w *WeaviateIndex) Ready(ctx context.Context) error {
	ok, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("weaviate not ready")
	}
	return nil
}

// Search implements Index
func (w *WeaviateIndex) Search(ctx context.Context, query string, limit int, condition string) ([]conversation.Passage, error) {
	ctx, span := w.tracer.Start(ctx, "knowledge.search",
		trace.WithAttributes(
			attribute.String("query", query),
			attribute.String("condition", condition),
			attribute.Int("limit", limit),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	vectors, err := w.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	get := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "condition"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vectors[0])).
		WithLimit(limit)
	if condition != "" {
		get = get.WithWhere(filters.Where().
			WithPath([]string{"condition"}).
			WithOperator(filters.Equal).
			WithValueText(condition))
	}

	resp, err := circuitbreaker.Do(ctx, w.breaker, func() (*models.GraphQLResponse, error) {
		r, err := get.Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(r.Errors) > 0 {
			return nil, fmt.Errorf("graphql: %s", r.Errors[0].Message)
		}
		return r, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search %s: %w", w.class, err)
	}

	passages := parsePassages(resp, w.class)
	span.SetAttributes(attribute.Int("results", len(passages)))
	return passages, nil
}

func parsePassages(resp *models.GraphQLResponse, class string) []conversation.Passage {
	out := make([]conversation.Passage, 0)
	if resp == nil {
		return out
	}
	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return out
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return out
	}
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		p := conversation.Passage{
			Content:   getString(m, "content"),
			Source:    getString(m, "source"),
			Condition: getString(m, "condition"),
		}
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			if c, ok := add["certainty"].(float64); ok {
				p.Score = c
			}
		}
		out = append(out, p)
	}
	return out
}

func getString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Upsert implements Index. Chunk ids are deterministic, so re-ingesting a
// document overwrites its chunks instead of duplicating them.
func (w *WeaviateIndex) Upsert(ctx context.Context, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	ctx, span := w.tracer.Start(ctx, "knowledge.upsert",
		trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	defer span.End()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  w.class,
			ID:     strfmt.UUID(c.ID),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"content":     c.Content,
				"source":      c.Source,
				"condition":   c.Condition,
				"chunk_index": c.Index,
			},
		}
	}

	resp, err := circuitbreaker.Do(ctx, w.breaker, func() ([]models.ObjectsGetResponse, error) {
		return w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("batch import: %w", err)
	}

	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			w.logger.Warn("guideline chunk rejected",
				zap.String("id", string(item.ID)),
				zap.String("error", item.Result.Errors.Error[0].Message))
			continue
		}
		written++
	}
	return written, nil
}
