package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	a := Key("session-1", "retry-abc")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("session-1", " retry-abc "))
	assert.NotEqual(t, a, Key("session-2", "retry-abc"))
}

func TestContentKey(t *testing.T) {
	assert.Equal(t, ContentKey("htn.md", "body"), ContentKey("htn.md", "body"))
	assert.NotEqual(t, ContentKey("htn.md", "body"), ContentKey("htn.md", "body2"))
}

func TestNewInbox_Defaults(t *testing.T) {
	i := NewInbox(nil, DefaultConfig(), nil)
	assert.NotNil(t, i.cfg.Terminal)
	assert.False(t, i.cfg.Terminal(assert.AnError))
}
