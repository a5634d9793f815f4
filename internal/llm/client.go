// Package llm provides the language classifier service used by triage,
// grading, query formulation and reasoning.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// ErrMalformedOutput is returned when a structured completion cannot be
// decoded into the requested shape.
var ErrMalformedOutput = errors.New("malformed structured output")

// Role of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single chat message sent to the service
type Message struct {
	Role       Role
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a function call requested by the model
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec declares a callable tool to the model
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.Marshaler
}

// ResponseSchema constrains the completion to a JSON schema
type ResponseSchema struct {
	Name   string
	Schema json.Marshaler
}

// Request is a completion request
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	Schema      *ResponseSchema
	Temperature float32
}

// Response is a completion result: text, tool calls, or both
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client is the language classifier service
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// System is shorthand for a system message
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User is shorthand for a user message
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// CompleteStructured asks the service for a JSON object matching T's schema
// and decodes it. Undecodable content yields ErrMalformedOutput.
func CompleteStructured[T any](ctx context.Context, c Client, name string, msgs []Message) (T, error) {
	var out T
	schema, err := SchemaFor[T]()
	if err != nil {
		return out, fmt.Errorf("generate schema for %s: %w", name, err)
	}

	resp, err := c.Complete(ctx, Request{
		Messages: msgs,
		Schema:   &ResponseSchema{Name: name, Schema: schema},
	})
	if err != nil {
		return out, err
	}

	if err := DecodeJSON(resp.Content, &out); err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SchemaFor generates the JSON schema of T
func SchemaFor[T any]() (*jsonschema.Definition, error) {
	var v T
	return jsonschema.GenerateSchemaForType(v)
}

// DecodeJSON decodes a model response into v, tolerating markdown fences
// around the object.
func DecodeJSON(content string, v any) error {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
