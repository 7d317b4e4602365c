package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

func TestFormatHistory(t *testing.T) {
	got := formatHistory([]conversation.Message{
		{Role: conversation.RoleUser, Content: "Hi"},
		{Role: conversation.RoleAssistant, Content: "Hello! How can I help?"},
	})
	assert.Equal(t, "👤 user: Hi\n\n🤖 assistant: Hello! How can I help?", got)
	assert.Equal(t, "", formatHistory(nil))
}

func TestHistoryText(t *testing.T) {
	assert.Equal(t, textNoHistory, historyText(nil))
	assert.Contains(t, historyText([]conversation.Message{{Role: conversation.RoleUser, Content: "x"}}),
		"History of the last 1 messages:")
}

func TestPreferences(t *testing.T) {
	p := NewPreferences("")
	_, ok := p.Get(1)
	assert.False(t, ok)

	p.Set(1, model.BackendAzure)
	b, ok := p.Get(1)
	assert.True(t, ok)
	assert.Equal(t, model.BackendAzure, b)

	withDefault := NewPreferences(model.BackendGroq)
	b, ok = withDefault.Get(2)
	assert.True(t, ok)
	assert.Equal(t, model.BackendGroq, b)
}
