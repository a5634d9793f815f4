package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/api/middleware"
	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/orchestrator"
	"github.com/drfirst/go-cds/internal/session"
	"github.com/drfirst/go-cds/pkg/idempotency"
)

// Sessions runs cycles and reads committed sessions
type Sessions interface {
	Submit(ctx context.Context, key, text string, opts ...orchestrator.SubmitOption) (*orchestrator.Reply, error)
	Session(ctx context.Context, key string) (*conversation.Session, error)
}

// Deduplicator runs fn at most once per key
type Deduplicator interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error)
}

// SessionHandler handles session endpoints
type SessionHandler struct {
	sessions Sessions
	dedup    Deduplicator
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSessionHandler creates a new handler. dedup may be nil, in which case
// Idempotency-Key headers are ignored.
func NewSessionHandler(sessions Sessions, dedup Deduplicator, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		sessions: sessions,
		dedup:    dedup,
		logger:   logger,
		tracer:   otel.Tracer("session-handler"),
	}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{sessionKey}/messages", h.PostMessage)
	r.Get("/{sessionKey}", h.Get)
	return r
}

// MessageRequest is the body of POST /sessions/{sessionKey}/messages
type MessageRequest struct {
	Message string `json:"message" validate:"required,max=8000"`
}

// TraceStep is one visited node
type TraceStep struct {
	Node       string `json:"node"`
	Edge       string `json:"edge"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// MessageResponse is returned for a completed cycle
type MessageResponse struct {
	SessionKey     string                       `json:"session_key"`
	Version        int                          `json:"version"`
	Outcome        string                       `json:"outcome"`
	Answer         string                       `json:"answer"`
	Recommendation *conversation.Recommendation `json:"recommendation,omitempty"`
	PatientID      string                       `json:"patient_id,omitempty"`
	ClinicalIntent string                       `json:"clinical_intent,omitempty"`
	Verdict        conversation.Verdict         `json:"grading_verdict"`
	Turns          []conversation.Turn          `json:"turns"`
	Trace          []TraceStep                  `json:"trace"`
	ElapsedMS      int64                        `json:"elapsed_ms"`
}

// SessionResponse is the committed view of a session
type SessionResponse struct {
	SessionKey          string              `json:"session_key"`
	Version             int                 `json:"version"`
	PatientID           string              `json:"patient_id,omitempty"`
	ClinicalIntent      string              `json:"clinical_intent,omitempty"`
	RetrievalRetryCount int                 `json:"retrieval_retry_count"`
	Transcript          []conversation.Turn `json:"transcript"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// PostMessage handles POST /sessions/{sessionKey}/messages
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "sessionKey")
	ctx, span := h.tracer.Start(r.Context(), "post_message",
		trace.WithAttributes(attribute.String("session_key", key)))
	defer span.End()

	if err := validate.Var(key, "required,max=128,printascii"); err != nil {
		jsonError(w, r, "invalid session key", http.StatusBadRequest)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		jsonError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		jsonError(w, r, "message is required and must be at most 8000 characters", http.StatusBadRequest)
		return
	}

	requestID := middleware.GetRequestID(ctx)
	run := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		reply, err := h.sessions.Submit(ctx, key, req.Message, orchestrator.WithCorrelationID(requestID))
		if err != nil {
			return nil, err
		}
		return json.Marshal(newMessageResponse(reply))
	}

	clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if clientKey == "" || h.dedup == nil {
		body, err := run(ctx, nil)
		if err != nil {
			h.fail(w, r, key, err)
			span.RecordError(err)
			return
		}
		writeRaw(w, http.StatusOK, body)
		return
	}

	payload, _ := json.Marshal(req)
	res, err := h.dedup.Process(ctx, idempotency.Key(key, clientKey), "session.message", payload, run)
	if err != nil {
		h.fail(w, r, key, err)
		span.RecordError(err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, http.StatusOK, res.Value)
}

// Get handles GET /sessions/{sessionKey}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "sessionKey")
	sess, err := h.sessions.Session(r.Context(), key)
	if err != nil {
		h.fail(w, r, key, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionKey:          sess.Key,
		Version:             sess.Version,
		PatientID:           sess.State.PatientID,
		ClinicalIntent:      sess.State.ClinicalIntent,
		RetrievalRetryCount: sess.State.RetrievalRetryCount,
		Transcript:          sess.State.Transcript,
		CreatedAt:           sess.CreatedAt,
		UpdatedAt:           sess.UpdatedAt,
	})
}

func (h *SessionHandler) fail(w http.ResponseWriter, r *http.Request, key string, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("session request failed",
			zap.String("session_key", key),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, r, msg, code)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, orchestrator.ErrSessionBusy):
		return http.StatusTooManyRequests, "too many pending messages for this session"
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrDuplicate):
		return http.StatusConflict, "a request with this idempotency key is in progress"
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity, "a request with this idempotency key failed"
	case errors.Is(err, session.ErrVersionConflict):
		return http.StatusConflict, "session was modified concurrently, retry"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "processing timed out"
	case errors.Is(err, context.Canceled):
		// nginx convention for a client that went away
		return 499, "request canceled"
	default:
		return http.StatusInternalServerError, "failed to process message"
	}
}

func newMessageResponse(reply *orchestrator.Reply) MessageResponse {
	resp := MessageResponse{
		SessionKey:     reply.SessionKey,
		Version:        reply.Version,
		Answer:         reply.Answer.Content,
		Recommendation: reply.Answer.Recommendation,
		Turns:          reply.Turns,
	}
	if reply.State != nil {
		resp.PatientID = reply.State.PatientID
		resp.ClinicalIntent = reply.State.ClinicalIntent
		resp.Verdict = reply.State.GradingVerdict
	}
	if reply.Trace != nil {
		resp.Outcome = reply.Trace.Outcome
		resp.ElapsedMS = reply.Trace.Elapsed.Milliseconds()
		resp.Trace = make([]TraceStep, 0, len(reply.Trace.Events))
		for _, e := range reply.Trace.Events {
			resp.Trace = append(resp.Trace, TraceStep{
				Node:       string(e.Node),
				Edge:       e.Edge,
				Detail:     e.Detail,
				DurationMS: e.Duration.Milliseconds(),
			})
		}
	}
	return resp
}
