// Package cli implements the cds command line: an interactive chat against
// an in-process orchestrator and bulk guideline ingestion.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/drfirst/go-cds/internal/orchestrator"
)

// Submitter runs one cycle for a message
type Submitter interface {
	Submit(ctx context.Context, key, text string, opts ...orchestrator.SubmitOption) (*orchestrator.Reply, error)
}

// Chat is a line-oriented REPL over one session
type Chat struct {
	sessions   Submitter
	sessionKey string
	in         io.Reader
	out        io.Writer
	// ShowTrace prints node progress while a cycle runs
	ShowTrace bool
}

// NewChat creates a REPL bound to sessionKey
func NewChat(sessions Submitter, sessionKey string, in io.Reader, out io.Writer) *Chat {
	return &Chat{sessions: sessions, sessionKey: sessionKey, in: in, out: out, ShowTrace: true}
}

// Run reads messages until EOF, /quit or ctx is done. A failed cycle is
// reported and the loop continues with the session unchanged.
func (c *Chat) Run(ctx context.Context) error {
	fmt.Fprintf(c.out, "Session %s. Ask about a patient, e.g. \"Review patient 8f3a and suggest a plan\". /quit to exit.\n", c.sessionKey)

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(c.out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/session":
			fmt.Fprintln(c.out, c.sessionKey)
			continue
		}

		if err := c.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *Chat) turn(ctx context.Context, text string) error {
	var opts []orchestrator.SubmitOption
	if c.ShowTrace {
		opts = append(opts, orchestrator.WithObserver(func(e orchestrator.NodeEvent) {
			fmt.Fprintln(c.out, formatEvent(e))
		}))
	}

	reply, err := c.sessions.Submit(ctx, c.sessionKey, text, opts...)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyMessage) {
			return nil
		}
		return err
	}
	fmt.Fprintf(c.out, "\n%s\n", reply.Answer.Content)
	return nil
}

func formatEvent(e orchestrator.NodeEvent) string {
	line := fmt.Sprintf("  [%s] %s -> %s (%s)", e.Node, e.Edge, e.Next, e.Duration.Round(time.Millisecond))
	if e.Detail != "" {
		line += ": " + e.Detail
	}
	return line
}
