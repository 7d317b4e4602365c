package commander

import (
	"context"
	"fmt"
)

// Commander is the chat platform abstraction used by the bot.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMenu(ctx context.Context, chatID int64, text string, rows [][]Button) error
	SendTyping(ctx context.Context, chatID int64) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Update represents an incoming platform event. Exactly one of Message or
// Callback is set for updates the bot cares about.
type Update struct {
	UpdateID int64     `json:"update_id"`
	Message  *Message  `json:"message,omitempty"`
	Callback *Callback `json:"callback_query,omitempty"`
}

// Message represents a source message.
type Message struct {
	Chat Chat    `json:"chat"`
	Text *string `json:"text,omitempty"`
	Date int64   `json:"date"`
}

// Callback is an inline keyboard button press.
type Callback struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// ChatID returns the chat the callback's menu was posted in, or 0.
func (c *Callback) ChatID() int64 {
	if c == nil || c.Message == nil {
		return 0
	}
	return c.Message.Chat.ID
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Button is one inline keyboard button.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Error is a failed call to the chat platform.
type Error struct {
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorClass reports the breaker class for platform failures.
func (e *Error) ErrorClass() string {
	return "command_source_api"
}
