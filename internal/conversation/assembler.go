package conversation

// Assembler combines system prompt, history, and user message into the
// ordered message list sent to a model backend.
type Assembler struct{}

// Assemble builds the final message list: system + history + user.
// The system message is omitted when system is empty.
func (a Assembler) Assemble(system string, history []Message, userMsg string) []Message {
	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}
