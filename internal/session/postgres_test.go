package session

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/internal/domain/conversation"
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

func routeAll(t conversation.EventType) (string, bool) {
	switch t {
	case conversation.EventRecommendationIssued:
		return "cds.recommendations", true
	case conversation.EventSessionStarted, conversation.EventTurnCompleted:
		return "cds.session-events", true
	}
	return "", false
}

type outboxRow struct {
	EventType string
	Topic     string
	Key       string
}

func outboxRows(t *testing.T, pool *pgxpool.Pool) []outboxRow {
	t.Helper()
	rows, err := pool.Query(context.Background(),
		`SELECT event_type, topic, message_key FROM cds_outbox ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		require.NoError(t, rows.Scan(&r.EventType, &r.Topic, &r.Key))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func eventVersions(t *testing.T, pool *pgxpool.Pool, key string) map[string]int {
	t.Helper()
	rows, err := pool.Query(context.Background(),
		`SELECT event_type, version FROM cds_session_events WHERE session_key = $1`, key)
	require.NoError(t, err)
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var et string
		var v int
		require.NoError(t, rows.Scan(&et, &v))
		out[et] = v
	}
	require.NoError(t, rows.Err())
	return out
}

// answeredCycle runs the state changes of one completed cycle on s
func answeredCycle(t *testing.T, s *conversation.Session, text string) {
	t.Helper()
	before := len(s.State.Transcript)
	work := s.State.Clone()
	work.Apply(conversation.Update{
		AppendTurns: []conversation.Turn{
			conversation.UserTurn(text),
			conversation.RecommendationTurn(&conversation.Recommendation{Assessment: "BP above goal", Plan: "titrate"}),
		},
		PatientID: conversation.Ptr("p1"),
	})
	require.NoError(t, s.Commit(work, before, "req-1"))
}

func TestPostgresStore_NotFound(t *testing.T) {
	store := NewPostgresStore(testDB.Fresh(t), routeAll, nil)
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	store := NewPostgresStore(pool, routeAll, nil)

	s := conversation.NewSession("s1")
	answeredCycle(t, s, "Review patient p1")
	require.NoError(t, store.Save(ctx, s))
	assert.Equal(t, 1, s.Version)
	assert.Empty(t, s.Changes())

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, "p1", loaded.State.PatientID)
	require.Len(t, loaded.State.Transcript, 2)
	require.NotNil(t, loaded.State.Transcript[1].Recommendation)
	assert.Equal(t, "titrate", loaded.State.Transcript[1].Recommendation.Plan)
	assert.Empty(t, loaded.Changes())

	// the next cycle saves on top of the loaded version
	answeredCycle(t, loaded, "and the plan?")
	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, 2, loaded.Version)

	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
	assert.Len(t, again.State.Transcript, 4)

	var stored int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT version FROM cds_sessions WHERE session_key = $1`, "s1").Scan(&stored))
	assert.Equal(t, 2, stored)
}

func TestPostgresStore_EventsReachOutboxInSameTransaction(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	store := NewPostgresStore(pool, routeAll, nil)

	s := conversation.NewSession("s1")
	answeredCycle(t, s, "Review patient p1")
	require.NoError(t, store.Save(ctx, s))

	assert.Equal(t, map[string]int{
		string(conversation.EventSessionStarted):       1,
		string(conversation.EventTurnCompleted):        1,
		string(conversation.EventRecommendationIssued): 1,
	}, eventVersions(t, pool, "s1"))
	assert.Equal(t, []outboxRow{
		{string(conversation.EventSessionStarted), "cds.session-events", "s1"},
		{string(conversation.EventTurnCompleted), "cds.session-events", "s1"},
		{string(conversation.EventRecommendationIssued), "cds.recommendations", "s1"},
	}, outboxRows(t, pool))
}

func TestPostgresStore_UnroutedEventsStayOutOfOutbox(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	store := NewPostgresStore(pool, nil, nil)

	s := conversation.NewSession("s1")
	answeredCycle(t, s, "Review patient p1")
	require.NoError(t, store.Save(ctx, s))

	assert.Len(t, eventVersions(t, pool, "s1"), 3)
	assert.Empty(t, outboxRows(t, pool))
}

func TestPostgresStore_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	store := NewPostgresStore(pool, routeAll, nil)
	require.NoError(t, store.Save(ctx, conversation.NewSession("s1")))

	first, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	answeredCycle(t, first, "Review patient p1")
	require.NoError(t, store.Save(ctx, first))
	outboxAfterFirst := outboxRows(t, pool)

	answeredCycle(t, second, "Review patient p2")
	err = store.Save(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, second.Version, "a failed save leaves the session untouched")
	assert.NotEmpty(t, second.Changes())

	// nothing of the losing cycle was written
	assert.Equal(t, outboxAfterFirst, outboxRows(t, pool))
	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, "Review patient p1", loaded.State.Transcript[0].Content)
}

func TestPostgresStore_DuplicateInsertConflicts(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Fresh(t)
	store := NewPostgresStore(pool, routeAll, nil)
	require.NoError(t, store.Save(ctx, conversation.NewSession("s1")))

	dup := conversation.NewSession("s1")
	err := store.Save(ctx, dup)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Zero(t, dup.Version)

	assert.Len(t, outboxRows(t, pool), 1)
}
