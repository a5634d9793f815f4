package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/knowledge/ingest"
	"github.com/drfirst/go-cds/internal/orchestrator"
)

type fakeSessions struct {
	got  []string
	errs map[string]error
}

func (f *fakeSessions) Submit(_ context.Context, key, text string, _ ...orchestrator.SubmitOption) (*orchestrator.Reply, error) {
	f.got = append(f.got, key+":"+text)
	if err := f.errs[text]; err != nil {
		return nil, err
	}
	return &orchestrator.Reply{
		SessionKey: key,
		Answer:     conversation.NewTurn(conversation.RoleAssistant, "answer to "+text),
	}, nil
}

func TestChat_RunsUntilQuit(t *testing.T) {
	sessions := &fakeSessions{}
	in := strings.NewReader("Review patient 42\n\n/quit\nnever sent\n")
	var out bytes.Buffer

	chat := NewChat(sessions, "s-1", in, &out)
	require.NoError(t, chat.Run(context.Background()))

	assert.Equal(t, []string{"s-1:Review patient 42"}, sessions.got)
	assert.Contains(t, out.String(), "answer to Review patient 42")
	assert.Contains(t, out.String(), "Session s-1")
}

func TestChat_ErrorKeepsLooping(t *testing.T) {
	sessions := &fakeSessions{errs: map[string]error{"boom": errors.New("upstream down")}}
	in := strings.NewReader("boom\nagain\n")
	var out bytes.Buffer

	require.NoError(t, NewChat(sessions, "s-2", in, &out).Run(context.Background()))

	assert.Len(t, sessions.got, 2)
	assert.Contains(t, out.String(), "error: upstream down")
	assert.Contains(t, out.String(), "answer to again")
}

func TestChat_SessionCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewChat(&fakeSessions{}, "abc", strings.NewReader("/session\n"), &out).Run(context.Background()))
	assert.Contains(t, out.String(), "abc\n")
}

func TestChat_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sessions := &fakeSessions{errs: map[string]error{"hi": context.Canceled}}

	err := NewChat(sessions, "s", strings.NewReader("hi\n"), &bytes.Buffer{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(orchestrator.NodeEvent{
		Node:     orchestrator.NodeGrade,
		Edge:     "relevant",
		Next:     orchestrator.NodeReason,
		Detail:   "2 passages",
		Duration: 1500 * time.Microsecond,
	})
	assert.Equal(t, "  [grade] relevant -> reason (2ms): 2 passages", line)
}

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jnc8.md")
	require.NoError(t, os.WriteFile(path, []byte("# Hypertension\nTarget <140/90."), 0o600))

	docs, err := ReadDocuments([]string{path}, "Hypertension")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "jnc8.md", docs[0].Source)
	assert.Equal(t, "Hypertension", docs[0].Condition)
	assert.Contains(t, docs[0].Content, "140/90")

	_, err = ReadDocuments([]string{filepath.Join(dir, "missing.md")}, "COPD")
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	PrintReport(&out, ingest.Report{
		Documents: 2,
		Chunks:    7,
		Failed:    map[string]error{"b.md": errors.New("embed failed"), "a.md": errors.New("empty")},
	})

	got := out.String()
	assert.Contains(t, got, "indexed 2 documents (7 chunks)")
	assert.Less(t, strings.Index(got, "a.md"), strings.Index(got, "b.md"))
}

func TestIngestCommand_Validation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no files", []string{"ingest", "--condition", "COPD"}, "requires at least 1 arg"},
		{"no condition", []string{"ingest", "a.md"}, `required flag(s) "condition" not set`},
		{"unknown condition", []string{"ingest", "--condition", "Asthma", "a.md"}, "--condition must be one of"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetArgs(tc.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})

			err := cmd.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
