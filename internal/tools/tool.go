// Package tools implements the callable capabilities offered to the
// reasoning engine and the dispatcher that executes requested calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/llm"
)

// ErrInvalidArguments wraps decode and validation failures
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ErrUnknownTool is returned for calls to unregistered tools
var ErrUnknownTool = errors.New("unknown tool")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Result is the outcome of one invocation. Raw optionally carries a
// structured form of Text.
type Result struct {
	Text string
	Raw  json.RawMessage
}

// Tool is a named capability with a declared input schema
type Tool interface {
	Name() string
	Description() string
	Schema() json.Marshaler
	Invoke(ctx context.Context, args json.RawMessage) (Result, error)
}

type typedTool[A any] struct {
	name        string
	description string
	schema      *jsonschema.Definition
	fn          func(context.Context, A) (Result, error)
}

// New builds a Tool whose schema is generated from A. Arguments are decoded
// strictly into A and checked against its validate tags before fn runs.
func New[A any](name, description string, fn func(context.Context, A) (Result, error)) (Tool, error) {
	var zero A
	schema, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	return &typedTool[A]{name: name, description: description, schema: schema, fn: fn}, nil
}

// MustNew is New for package-level tool construction
func MustNew[A any](name, description string, fn func(context.Context, A) (Result, error)) Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *typedTool[A]) Name() string           { return t.name }
func (t *typedTool[A]) Description() string    { return t.description }
func (t *typedTool[A]) Schema() json.Marshaler { return t.schema }

func (t *typedTool[A]) Invoke(ctx context.Context, raw json.RawMessage) (Result, error) {
	args, err := DecodeArgs[A](raw)
	if err != nil {
		return Result{}, err
	}
	return t.fn(ctx, args)
}

// DecodeArgs strictly decodes raw into A and validates it
func DecodeArgs[A any](raw json.RawMessage) (A, error) {
	var args A
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := validate.Struct(args); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return args, fmt.Errorf("%w: %s", ErrInvalidArguments, describe(verrs))
		}
		return args, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return args, nil
}

func describe(verrs validator.ValidationErrors) string {
	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&buf, " (%s)", fe.Param())
		}
	}
	return buf.String()
}

// Registry is the fixed set of tools offered to the reasoning engine
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools ordered by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Specs returns the declarations handed to the language service
func (r *Registry) Specs() []llm.ToolSpec {
	list := r.List()
	specs := make([]llm.ToolSpec, 0, len(list))
	for _, t := range list {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return specs
}

// Builtin returns the registry of the four clinical tools
func Builtin(checker InteractionChecker, summarizer llm.Client, fetcher RecordFetcher, logger *zap.Logger) *Registry {
	return NewRegistry(
		NewInteractionsTool(checker, logger),
		NewRiskTool(),
		NewSummarizeTool(summarizer),
		NewPatientRecordTool(fetcher),
	)
}
