package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

// Observer is notified after every invocation
type Observer func(tool string, failed bool)

// Dispatcher executes requested tool calls against a registry
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	observe  Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher. observe may be nil.
func NewDispatcher(registry *Registry, timeout time.Duration, observe Observer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		observe:  observe,
		logger:   logger,
		tracer:   otel.Tracer("tools"),
	}
}

// Dispatch runs calls in request order and returns one tool turn per call.
// Failures become "Error: ..." result text so the engine can recover.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []conversation.ToolCall) []conversation.Turn {
	turns := make([]conversation.Turn, 0, len(calls))
	for _, call := range calls {
		res, err := d.invoke(ctx, call)
		if err != nil {
			d.logger.Warn("tool call failed",
				zap.String("tool", call.Name),
				zap.String("call_id", call.ID),
				zap.Error(err))
			res = Result{Text: "Error: " + err.Error()}
		}
		if d.observe != nil {
			d.observe(call.Name, err != nil)
		}
		turns = append(turns, conversation.ToolResultTurn(call, res.Text, res.Raw))
	}
	return turns
}

func (d *Dispatcher) invoke(ctx context.Context, call conversation.ToolCall) (res Result, err error) {
	ctx, span := d.tracer.Start(ctx, "tools.invoke",
		trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	t, ok := d.registry.Get(call.Name)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownTool, call.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	res, err = t.Invoke(ctx, call.Arguments)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s", call.Name, d.timeout)
	}
	return res, err
}
