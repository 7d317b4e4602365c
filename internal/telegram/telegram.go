package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
)

// maxMessageChars keeps replies under Telegram's 4096 character limit.
const maxMessageChars = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type (
	Update   = cmdpkg.Update
	Message  = cmdpkg.Message
	Chat     = cmdpkg.Chat
	Callback = cmdpkg.Callback
	Button   = cmdpkg.Button
)

type sendMessageRequest struct {
	ChatID      int64        `json:"chat_id"`
	Text        string       `json:"text"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// GetUpdates calls the getUpdates API. Updates that carry neither a message
// nor a callback query are returned with both fields nil so the caller can
// still advance its offset past them.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	updates, err := c.getUpdates(ctx, offset, timeout)
	if err != nil {
		return nil, &cmdpkg.Error{Method: "getUpdates", Err: err}
	}
	return updates, nil
}

func (c *Client) getUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message","callback_query"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram request build failed: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram read failed: %w", err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("telegram parse failed: %w", err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("telegram not ok: status=%d description=%s", resp.StatusCode, tgResp.Description)
	}

	var updates []Update
	if err := json.Unmarshal(tgResp.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram result parse failed: %w", err)
	}
	for i := range updates {
		if cb := updates[i].Callback; cb != nil {
			cb.Data = strings.TrimSpace(cb.Data)
		}
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.post(ctx, "sendMessage", sendMessageRequest{
		ChatID: chatID,
		Text:   truncate(text, maxMessageChars),
	})
}

// SendMenu sends a message with an inline keyboard.
func (c *Client) SendMenu(ctx context.Context, chatID int64, text string, rows [][]Button) error {
	return c.post(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        truncate(text, maxMessageChars),
		ReplyMarkup: &replyMarkup{InlineKeyboard: rows},
	})
}

// SendTyping shows the "typing..." indicator in the chat.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	return c.post(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
}

// AnswerCallback acknowledges a callback query so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	return c.post(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
	})
}

func (c *Client) post(ctx context.Context, method string, payload any) error {
	if err := c.call(ctx, method, payload); err != nil {
		return &cmdpkg.Error{Method: method, Err: err}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram marshal failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telegram request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram read failed: %w", err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("telegram parse failed: status=%d", resp.StatusCode)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram not ok: status=%d description=%s", resp.StatusCode, tgResp.Description)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
