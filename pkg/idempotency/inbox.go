// Package idempotency records processed requests and messages so a retried
// chat submission or a redelivered guideline document is handled once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicate is returned when another caller claimed the key first
	ErrDuplicate = errors.New("duplicate: already processed")
	// ErrInProgress is returned while the first attempt is still running
	ErrInProgress = errors.New("request in progress")
	// ErrPreviouslyFailed is returned for keys whose handler failed terminally
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// Entry is one inbox row
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Config holds inbox configuration
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// CleanupInterval is how often expired keys are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be retried. Nil means
	// every error is retryable.
	Terminal func(error) bool
}

// DefaultConfig returns defaults sized for chat submissions, which a client
// retries within minutes
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Result is the outcome of Process
type Result struct {
	// Replayed is true when the stored result of an earlier run is returned
	Replayed  bool
	Recovered bool
	Value     json.RawMessage
}

// Func is an idempotent handler
type Func func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox stores idempotency keys in PostgreSQL
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func(error) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key replays its stored result, a
// key still running returns ErrInProgress, and a STARTED key older than
// RecoveryTimeout is taken over.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "idempotency.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Result{Replayed: true, Value: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.cfg.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	value, herr := fn(ctx, payload)
	if herr != nil {
		status := StatusRecoverable
		if i.cfg.Terminal(herr) {
			status = StatusFailed
		}
		errBody, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.setStatus(ctx, key, status, errBody); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		return nil, herr
	}

	if err := i.setStatus(ctx, key, StatusFinished, value); err != nil {
		// the handler succeeded; a retry will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &Result{Recovered: entry != nil, Value: value}, nil
}

// Key scopes a client supplied Idempotency-Key to a session
func Key(scope, clientKey string) string {
	return hash(scope, strings.TrimSpace(clientKey))
}

// ContentKey derives a key from message content, for producers that do not
// send one
func ContentKey(parts ...string) string {
	return hash(parts...)
}

func hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM cds_inbox
		WHERE idempotency_key = $1
	`
	e := &Entry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Status,
		&e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE one
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	query := `
		INSERT INTO cds_inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE cds_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var returned string
	err := i.pool.QueryRow(ctx, query, key, handler, StatusStarted, payload, time.Now().Add(i.cfg.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE cds_inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup deletes expired keys in the background until Stop
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if n, err := i.Cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
				}
			}
		}
	}()
}

// Stop stops the cleanup loop started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

// Cleanup deletes expired keys
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM cds_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
