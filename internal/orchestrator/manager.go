package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/session"
)

var (
	// ErrSessionBusy is returned when too many messages are queued for one
	// session
	ErrSessionBusy = errors.New("session busy")
	// ErrEmptyMessage is returned for a blank user message
	ErrEmptyMessage = errors.New("message is empty")
)

// ManagerConfig holds session manager configuration
type ManagerConfig struct {
	// CycleTimeout bounds one cycle. Zero means no bound beyond the caller's.
	CycleTimeout time.Duration
	// MaxPending bounds in-flight plus queued messages per session
	MaxPending int
}

// DefaultManagerConfig returns defaults for interactive use
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CycleTimeout: 2 * time.Minute,
		MaxPending:   4,
	}
}

// Reply is the outcome of one submitted message
type Reply struct {
	SessionKey string              `json:"session_key"`
	Version    int                 `json:"version"`
	Answer     conversation.Turn   `json:"answer"`
	Turns      []conversation.Turn `json:"turns"`
	Trace      *Trace              `json:"trace"`
	State      *conversation.State `json:"-"`
}

// SubmitOption customises a single Submit call
type SubmitOption func(*submitOptions)

type submitOptions struct {
	correlationID string
	observer      Observer
}

// WithCorrelationID tags the committed events, typically with the request id
func WithCorrelationID(id string) SubmitOption {
	return func(o *submitOptions) { o.correlationID = id }
}

// WithObserver streams node events of the cycle to fn
func WithObserver(fn Observer) SubmitOption {
	return func(o *submitOptions) { o.observer = fn }
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// Manager admits user messages into sessions. Messages for one session run
// one at a time in arrival order; different sessions run independently.
type Manager struct {
	orch    *Orchestrator
	store   session.Store
	cfg     ManagerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewManager creates a new session manager
func NewManager(orch *Orchestrator, store session.Store, cfg ManagerConfig, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultManagerConfig().MaxPending
	}
	return &Manager{
		orch:    orch,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		locks:   make(map[string]*keyLock),
	}
}

// Submit appends text as a user turn to the session and runs one cycle. The
// session is only saved when the cycle completes; a cancelled or failed cycle
// leaves it as it was.
func (m *Manager) Submit(ctx context.Context, key, text string, opts ...SubmitOption) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	m.metrics.SessionStarted()
	defer m.metrics.SessionFinished()

	sess, err := m.store.Load(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		sess = conversation.NewSession(key)
		m.logger.Info("session created", zap.String("session_key", key))
	} else if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	before := len(sess.State.Transcript)
	work := sess.State.Clone()
	work.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn(text)}})

	cycleCtx := ctx
	if m.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, m.cfg.CycleTimeout)
		defer cancel()
	}

	tr, err := m.orch.Run(cycleCtx, work, o.observer)
	if err != nil {
		m.logger.Warn("cycle not committed",
			zap.String("session_key", key),
			zap.Error(err))
		return nil, err
	}

	if err := sess.Commit(work, before, o.correlationID); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	answer, _ := work.LastTurn()
	m.logger.Info("cycle completed",
		zap.String("session_key", key),
		zap.String("patient_id", work.PatientID),
		zap.String("outcome", tr.Outcome),
		zap.Int("retrieval_retry_count", work.RetrievalRetryCount),
		zap.Int("tool_rounds", work.ToolRounds),
		zap.Duration("elapsed", tr.Elapsed))

	return &Reply{
		SessionKey: key,
		Version:    sess.Version,
		Answer:     answer,
		Turns:      work.Transcript[before:],
		Trace:      tr,
		State:      work,
	}, nil
}

// Session returns the committed session for key
func (m *Manager) Session(ctx context.Context, key string) (*conversation.Session, error) {
	return m.store.Load(ctx, key)
}

func (m *Manager) acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		m.locks[key] = l
	}
	if l.refs >= m.cfg.MaxPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	l.refs++
	m.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		m.unref(key, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		m.unref(key, l)
	}, nil
}

func (m *Manager) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
