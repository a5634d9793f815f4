package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/infrastructure/postgres"
)

// TopicRouter names the topic an event is relayed to. Events without a topic
// are not written to the outbox.
type TopicRouter func(conversation.EventType) (string, bool)

// PostgresStore persists sessions in PostgreSQL and writes their domain
// events to the transactional outbox in the same transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	route  TopicRouter
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgresStore creates a new store
func NewPostgresStore(pool *pgxpool.Pool, route TopicRouter, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if route == nil {
		route = func(conversation.EventType) (string, bool) { return "", false }
	}
	return &PostgresStore{pool: pool, route: route, logger: logger, tracer: otel.Tracer("session-store")}
}

// Load implements Store
func (p *PostgresStore) Load(ctx context.Context, key string) (*conversation.Session, error) {
	ctx, span := p.tracer.Start(ctx, "session.load", trace.WithAttributes(attribute.String("session_key", key)))
	defer span.End()

	query := `
		SELECT state, version, created_at, updated_at
		FROM cds_sessions
		WHERE session_key = $1
	`
	var (
		raw                  []byte
		version              int
		createdAt, updatedAt time.Time
	)
	err := p.pool.QueryRow(ctx, query, key).Scan(&raw, &version, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	state := conversation.NewState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return conversation.RestoreSession(key, state, version, createdAt, updatedAt), nil
}

// Save implements Store
func (p *PostgresStore) Save(ctx context.Context, s *conversation.Session) error {
	ctx, span := p.tracer.Start(ctx, "session.save",
		trace.WithAttributes(
			attribute.String("session_key", s.Key),
			attribute.Int("version", s.Version),
			attribute.Int("events", len(s.Changes())),
		))
	defer span.End()

	state, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Key, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := p.writeSession(ctx, tx, s, state); err != nil {
		span.RecordError(err)
		return err
	}

	next := s.Version + 1
	for _, ev := range s.Changes() {
		ev.Version = next
		if err := p.insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.Version = next
	s.ClearChanges()
	return nil
}

func (p *PostgresStore) writeSession(ctx context.Context, tx pgx.Tx, s *conversation.Session, state []byte) error {
	if s.IsNew() {
		tag, err := tx.Exec(ctx, `
			INSERT INTO cds_sessions (session_key, state, version, patient_id, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $5)
			ON CONFLICT (session_key) DO NOTHING
		`, s.Key, state, s.State.PatientID, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", s.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, s.Key)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE cds_sessions
		SET state = $2, version = version + 1, patient_id = $3, updated_at = $4
		WHERE session_key = $1 AND version = $5
	`, s.Key, state, s.State.PatientID, s.UpdatedAt, s.Version)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, s.Key, s.Version)
	}
	return nil
}

func (p *PostgresStore) insertEvent(ctx context.Context, tx pgx.Tx, ev *conversation.Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cds_session_events
		(event_id, session_key, event_type, event_data, version, patient_id, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.AggregateID, string(ev.EventType), ev.EventData, ev.Version, ev.PatientID, ev.CorrelationID, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventType, err)
	}

	topic, ok := p.route(ev.EventType)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		Topic:         topic,
		Key:           ev.AggregateID,
	})
}
