package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/internal/infrastructure/postgres"
	"github.com/drfirst/go-cds/internal/testutil/pgtest"
)

var testDB *pgtest.DB

func TestMain(m *testing.M) {
	flag.Parse()
	db, stop := pgtest.Start(context.Background())
	testDB = db
	code := m.Run()
	stop()
	os.Exit(code)
}

type published struct {
	Topic string
	Key   string
	Value []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	fail map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[topic]; err != nil {
		return err
	}
	p.sent = append(p.sent, published{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *recordingPublisher) Sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

func writeEntries(t *testing.T, pool *pgxpool.Pool, entries ...*postgres.OutboxEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	for _, e := range entries {
		require.NoError(t, postgres.WriteEntry(ctx, tx, e))
		assert.Positive(t, e.ID)
	}
	require.NoError(t, tx.Commit(ctx))
}

func entry(topic, eventType string) *postgres.OutboxEntry {
	return &postgres.OutboxEntry{
		AggregateID:   "s1",
		AggregateType: "Session",
		EventType:     eventType,
		Payload:       json.RawMessage(`{"session_key":"s1"}`),
		Topic:         topic,
		Key:           "s1",
	}
}

func fastConfig() postgres.OutboxConfig {
	cfg := postgres.DefaultOutboxConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func TestWriteEntry_RolledBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, postgres.WriteEntry(ctx, tx, entry("cds.session-events", "SessionStarted")))
	require.NoError(t, tx.Rollback(ctx))

	stats, err := postgres.NewOutbox(pool, &recordingPublisher{}, fastConfig(), nil).GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestOutbox_RelaysInOrder(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	writeEntries(t, pool,
		entry("cds.session-events", "TurnCompleted"),
		entry("cds.recommendations", "RecommendationIssued"),
	)

	pub := &recordingPublisher{}
	var pending []int64
	var mu sync.Mutex
	cfg := fastConfig()
	cfg.OnPending = func(n int64) {
		mu.Lock()
		pending = append(pending, n)
		mu.Unlock()
	}
	o := postgres.NewOutbox(pool, pub, cfg, nil)
	o.Start()
	defer o.Stop()

	require.Eventually(t, func() bool { return len(pub.Sent()) == 2 }, 5*time.Second, 10*time.Millisecond)
	sent := pub.Sent()
	assert.Equal(t, "cds.session-events", sent[0].Topic)
	assert.Equal(t, "cds.recommendations", sent[1].Topic)
	assert.Equal(t, "s1", sent[1].Key)
	assert.JSONEq(t, `{"session_key":"s1"}`, string(sent[1].Value))

	assert.Eventually(t, func() bool {
		stats, err := o.GetStats(ctx)
		return err == nil && stats.Pending == 0 && stats.Processed == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pending)
	assert.Zero(t, pending[len(pending)-1])
}

func TestOutbox_DeadLettersAfterRetries(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	writeEntries(t, pool, entry("cds.recommendations", "RecommendationIssued"))

	pub := &recordingPublisher{fail: map[string]error{"cds.recommendations": errors.New("broker unavailable")}}
	o := postgres.NewOutbox(pool, pub, fastConfig(), nil)
	o.Start()
	defer o.Stop()

	require.Eventually(t, func() bool { return len(pub.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	dl := pub.Sent()[0]
	assert.Equal(t, "dead.letter", dl.Topic)

	var letter postgres.DeadLetter
	require.NoError(t, json.Unmarshal(dl.Value, &letter))
	assert.Equal(t, "cds.recommendations", letter.OriginalTopic)
	assert.Equal(t, 2, letter.RetryCount)
	require.NotNil(t, letter.LastError)
	assert.Contains(t, *letter.LastError, "broker unavailable")

	assert.Eventually(t, func() bool {
		stats, err := o.GetStats(ctx)
		return err == nil && stats.Pending == 0 && stats.Failed == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutbox_CleanupProcessed(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	old, fresh, pending := entry("t", "A"), entry("t", "B"), entry("t", "C")
	writeEntries(t, pool, old, fresh, pending)

	_, err := pool.Exec(ctx, `UPDATE cds_outbox SET processed_at = NOW() - INTERVAL '8 days' WHERE id = $1`, old.ID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE cds_outbox SET processed_at = NOW() WHERE id = $1`, fresh.ID)
	require.NoError(t, err)

	o := postgres.NewOutbox(pool, &recordingPublisher{}, fastConfig(), nil)
	n, err := o.CleanupProcessed(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var remaining []int64
	rows, err := pool.Query(ctx, `SELECT id FROM cds_outbox ORDER BY id`)
	require.NoError(t, err)
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}
	rows.Close()
	assert.Equal(t, []int64{fresh.ID, pending.ID}, remaining)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	pool := testDB.Fresh(t)
	n, err := postgres.Migrate(context.Background(), pool, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "migrations already applied by the harness")
}
