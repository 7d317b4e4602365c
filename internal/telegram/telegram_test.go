package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
)

func TestGetUpdates_ParsesMessagesAndCallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getUpdates", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("offset"))
		assert.Equal(t, "0", r.URL.Query().Get("timeout"))
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":5,"message":{"chat":{"id":123},"text":"hello","date":1700000000}},
			{"update_id":6,"callback_query":{"id":"cb-1","data":" use_groq ","message":{"chat":{"id":123},"date":1700000001}}},
			{"update_id":7}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	updates, err := c.GetUpdates(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Len(t, updates, 3)

	require.NotNil(t, updates[0].Message)
	require.NotNil(t, updates[0].Message.Text)
	assert.Equal(t, "hello", *updates[0].Message.Text)
	assert.Equal(t, int64(123), updates[0].Message.Chat.ID)

	require.NotNil(t, updates[1].Callback)
	assert.Equal(t, "cb-1", updates[1].Callback.ID)
	assert.Equal(t, "use_groq", updates[1].Callback.Data)
	assert.Equal(t, int64(123), updates[1].Callback.ChatID())

	assert.Equal(t, int64(7), updates[2].UpdateID)
	assert.Nil(t, updates[2].Message)
	assert.Nil(t, updates[2].Callback)
}

func TestGetUpdates_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.GetUpdates(context.Background(), 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")

	var platformErr *cmdpkg.Error
	require.ErrorAs(t, err, &platformErr)
	assert.Equal(t, "getUpdates", platformErr.Method)
	assert.Equal(t, "command_source_api", platformErr.ErrorClass())
}

func TestSendMenu_SendsInlineKeyboard(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	rows := [][]Button{
		{{Text: "Groq", Data: "use_groq"}, {Text: "Azure", Data: "use_azure"}},
		{{Text: "History", Data: "view_history"}},
	}
	require.NoError(t, c.SendMenu(context.Background(), 123, "Choose an option:", rows))

	assert.Equal(t, float64(123), got["chat_id"])
	assert.Equal(t, "Choose an option:", got["text"])
	markup, ok := got["reply_markup"].(map[string]any)
	require.True(t, ok, "reply_markup missing: %v", got)
	keyboard, ok := markup["inline_keyboard"].([]any)
	require.True(t, ok)
	require.Len(t, keyboard, 2)
	first := keyboard[0].([]any)[0].(map[string]any)
	assert.Equal(t, "Groq", first["text"])
	assert.Equal(t, "use_groq", first["callback_data"])
}

func TestSendMessage_TruncatesAndOmitsMarkup(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	require.NoError(t, c.SendMessage(context.Background(), 1, strings.Repeat("é", 5000)))

	var payload sendMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, maxMessageChars, len([]rune(payload.Text)))
	assert.NotContains(t, body, "reply_markup")
}

func TestSendMessage_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	err := c.SendMessage(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	var platformErr *cmdpkg.Error
	require.ErrorAs(t, err, &platformErr)
	assert.Equal(t, "sendMessage", platformErr.Method)
}

func TestSendTypingAndAnswerCallback(t *testing.T) {
	calls := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		calls[r.URL.Path] = payload
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	ctx := context.Background()
	require.NoError(t, c.SendTyping(ctx, 55))
	require.NoError(t, c.AnswerCallback(ctx, "cb-9"))
	require.NoError(t, c.AnswerCallback(ctx, "  "))

	assert.Equal(t, "typing", calls["/sendChatAction"]["action"])
	assert.Equal(t, float64(55), calls["/sendChatAction"]["chat_id"])
	assert.Equal(t, "cb-9", calls["/answerCallbackQuery"]["callback_query_id"])
	assert.Len(t, calls, 2)
}
