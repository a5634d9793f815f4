package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by Scripted when no reply is left
var ErrScriptExhausted = errors.New("scripted client: no reply left")

// Reply is one scripted outcome
type Reply struct {
	Response *Response
	Err      error
}

// Scripted is a Client that replays canned replies per schema name, falling
// back to a shared queue for unstructured requests. Used by tests and the
// offline CLI demo.
type Scripted struct {
	mu       sync.Mutex
	bySchema map[string][]Reply
	free     []Reply
	requests []Request
}

// NewScripted creates an empty scripted client
func NewScripted() *Scripted {
	return &Scripted{bySchema: make(map[string][]Reply)}
}

// OnSchema queues a structured reply for requests using the named schema
func (s *Scripted) OnSchema(name string, content string) *Scripted {
	return s.push(name, Reply{Response: &Response{Content: content}})
}

// RespondSchema queues a full response, such as tool calls, for the named
// schema
func (s *Scripted) RespondSchema(name string, resp *Response) *Scripted {
	return s.push(name, Reply{Response: resp})
}

// FailSchema queues an error for the named schema
func (s *Scripted) FailSchema(name string, err error) *Scripted {
	return s.push(name, Reply{Err: err})
}

// Then queues a reply for requests without a schema
func (s *Scripted) Then(resp *Response, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, Reply{Response: resp, Err: err})
	return s
}

func (s *Scripted) push(name string, r Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySchema[name] = append(s.bySchema[name], r)
	return s
}

// Complete implements Client
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	queue := &s.free
	if req.Schema != nil {
		q := s.bySchema[req.Schema.Name]
		queue = &q
		defer func() { s.bySchema[req.Schema.Name] = q }()
	}
	if len(*queue) == 0 {
		return nil, ErrScriptExhausted
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	return r.Response, r.Err
}

// Requests returns every request seen so far
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountSchema returns how many requests used the named schema
func (s *Scripted) CountSchema(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Schema != nil && r.Schema.Name == name {
			n++
		}
	}
	return n
}
