package conversation

// Role tags who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in assembled requests, never in stored history.
	RoleSystem Role = "system"
)

// Message is a model-agnostic chat message used across the relay pipeline.
type Message struct {
	Role    Role
	Content string
}
