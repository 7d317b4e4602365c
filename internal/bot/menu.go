package bot

import (
	"fmt"
	"strings"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

// Callback data carried by the inline menu buttons.
const (
	ActionUseGroq      = "use_groq"
	ActionUseAzure     = "use_azure"
	ActionCheckCurrent = "check_current"
	ActionClearHistory = "clear_history"
	ActionViewHistory  = "view_history"
)

const (
	menuPrompt      = "Choose an option:"
	textCleared     = "Conversation history cleared!"
	textNoHistory   = "No conversation history yet."
	textInvalid     = "Invalid option."
	textApology     = "Sorry, an error occurred while processing your request."
	textUnavailable = "Sorry, the model is temporarily unavailable. Please try again shortly."
)

func menuRows() [][]cmdpkg.Button {
	return [][]cmdpkg.Button{
		{
			{Text: "🤖 Use Groq", Data: ActionUseGroq},
			{Text: "🔷 Use Azure OpenAI", Data: ActionUseAzure},
		},
		{
			{Text: "❓ Current Model", Data: ActionCheckCurrent},
			{Text: "🗑️ Clear History", Data: ActionClearHistory},
		},
		{
			{Text: "📜 View History", Data: ActionViewHistory},
		},
	}
}

func welcomeText(window int) string {
	return fmt.Sprintf("Welcome! Use /menu to choose which AI model you want to use.\n"+
		"Your last %d messages are kept as conversation context.", window)
}

func selectedText(b model.Backend) string {
	return fmt.Sprintf("Now using the %s model! Go ahead and send your message.", displayName(b))
}

func notConfiguredText(b model.Backend) string {
	return fmt.Sprintf("%s is not configured on this bot.", displayName(b))
}

func currentText(b model.Backend, ok bool) string {
	if !ok {
		return "Current model: not set"
	}
	return fmt.Sprintf("Current model: %s", b)
}

func displayName(b model.Backend) string {
	switch b {
	case model.BackendGroq:
		return "Groq"
	case model.BackendAzure:
		return "Azure OpenAI"
	default:
		return string(b)
	}
}

// formatHistory renders a history as "<emoji> <role>: <content>" blocks
// separated by blank lines.
func formatHistory(history []conversation.Message) string {
	blocks := make([]string, 0, len(history))
	for _, m := range history {
		emoji := "🤖"
		if m.Role == conversation.RoleUser {
			emoji = "👤"
		}
		blocks = append(blocks, fmt.Sprintf("%s %s: %s", emoji, m.Role, m.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func historyText(history []conversation.Message) string {
	if len(history) == 0 {
		return textNoHistory
	}
	return fmt.Sprintf("📜 History of the last %d messages:\n\n%s", len(history), formatHistory(history))
}
