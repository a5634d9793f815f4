package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

// ErrNotFound is returned when the server answers 404 or 410
var ErrNotFound = errors.New("fhir resource not found")

// StatusError is returned for other non-2xx responses
type StatusError struct {
	StatusCode int
	Outcome    string
}

func (e *StatusError) Error() string {
	if e.Outcome != "" {
		return fmt.Sprintf("fhir server returned %d: %s", e.StatusCode, e.Outcome)
	}
	return fmt.Sprintf("fhir server returned %d", e.StatusCode)
}

// Client is a minimal read/search FHIR REST client
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a FHIR client. breaker may be nil.
func NewClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("fhir"),
	}
}

// Read fetches {resourceType}/{id} into v
func (c *Client) Read(ctx context.Context, resourceType, id string, v any) error {
	return c.get(ctx, resourceType+"/"+url.PathEscape(id), v)
}

// Search runs {resourceType}?params and returns the searchset bundle
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	path := resourceType
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var b Bundle
	if err := c.get(ctx, path, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	ctx, span := c.tracer.Start(ctx, "fhir.get",
		trace.WithAttributes(attribute.String("fhir.path", path)))
	defer span.End()

	body, err := circuitbreaker.Do(ctx, c.breaker, func() ([]byte, error) {
		b, err := c.do(ctx, path)
		// a missing resource says nothing about server health
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if body == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		se := &StatusError{StatusCode: resp.StatusCode}
		var oo OperationOutcome
		if json.Unmarshal(body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
			se.Outcome = oo.Summary()
		}
		c.logger.Debug("fhir request failed", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, se
	}
	return body, nil
}
