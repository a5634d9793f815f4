package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_NilBreakerRunsDirectly(t *testing.T) {
	v, err := Do(context.Background(), nil, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDo_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("fhir")
	cfg.FailureThreshold = 2
	var transitions []State
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("upstream down")
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}

	_, err = Do(context.Background(), cb, func() (int, error) { return 1, nil })
	assert.True(t, IsOpen(err))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestDo_CanceledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("llm")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = Do(context.Background(), cb, func() (int, error) { return 0, context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManager_GetOrCreateReusesBreaker(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.GetOrCreate("weaviate")
	require.NoError(t, err)
	b, err := m.GetOrCreate("weaviate")
	require.NoError(t, err)
	assert.Same(t, a, b)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Healthy)
}
