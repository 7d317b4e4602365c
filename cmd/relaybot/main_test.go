package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

func testConfig(t *testing.T, pollScript string) *config.BotConfig {
	t.Helper()
	return &config.BotConfig{
		Commander:              "dummy",
		DBPath:                 filepath.Join(t.TempDir(), "relaybot.db"),
		HistoryWindow:          10,
		DefaultBackend:         "dummy",
		DummyBackend:           true,
		DummyProviderScript:    "echo",
		DummyCommanderScript:   pollScript,
		DummySendScript:        "ok",
		RequestTimeoutSeconds:  5,
		CircuitThreshold:       5,
		CircuitCooldownSeconds: 30,
	}
}

func testApp(t *testing.T, cfg *config.BotConfig) *app {
	t.Helper()
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	a.idle = 5 * time.Millisecond
	return a
}

func startLoop(t *testing.T, a *app) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.pollLoop(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poll loop did not stop")
		}
	}
}

func countEvents(t *testing.T, a *app, eventType string) int {
	t.Helper()
	n, err := db.CountEvents(a.database, eventType)
	require.NoError(t, err)
	return n
}

func TestPollLoop_RelaysMessage(t *testing.T) {
	a := testApp(t, testConfig(t, "msg:hello,ok"))
	commander := a.commander.(*dummy.Commander)

	stop := startLoop(t, a)
	require.Eventually(t, func() bool {
		for _, o := range commander.Sent() {
			if o.Kind == "message" && o.Text == "echo: hello" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 1, countEvents(t, a, db.EventProcessStarted))
	assert.Equal(t, 1, countEvents(t, a, db.EventUpdateReceived))
	assert.Equal(t, 1, countEvents(t, a, db.EventExchangeCompleted))
	assert.Equal(t, uint64(1), a.handled)

	offset, err := db.DeriveOffset(a.database)
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)

	a.close()
}

func waitForReply(t *testing.T, commander *dummy.Commander, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, o := range commander.Sent() {
			if o.Kind == "message" && o.Text == text {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPollLoop_RestartOnSameDatabaseRelaysNewUpdates(t *testing.T) {
	first := testConfig(t, "msg:hello,ok")
	a := testApp(t, first)
	stop := startLoop(t, a)
	waitForReply(t, a.commander.(*dummy.Commander), "echo: hello")
	stop()
	a.close()

	second := testConfig(t, "msg:again,ok")
	second.DBPath = first.DBPath
	b := testApp(t, second)
	stop = startLoop(t, b)
	waitForReply(t, b.commander.(*dummy.Commander), "echo: again")
	stop()

	assert.Equal(t, uint64(1), b.handled)
	assert.Equal(t, 2, countEvents(t, b, db.EventUpdateReceived))
	b.close()
}

func TestPollLoop_OpensCircuitOnPollErrors(t *testing.T) {
	cfg := testConfig(t, "err:command_source_api")
	cfg.CircuitThreshold = 1
	a := testApp(t, cfg)

	stop := startLoop(t, a)
	require.Eventually(t, func() bool {
		n, err := db.CountEvents(a.database, db.EventCircuitOpened)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	var payload string
	require.NoError(t, a.database.QueryRow(
		`SELECT payload FROM events WHERE event_type = ?`, db.EventCircuitOpened).Scan(&payload))
	assert.Contains(t, payload, `"scope":"poll"`)
	assert.Contains(t, payload, `"error_class":"command_source_api"`)
	a.close()
}

func TestDispatch_SkipsReplayedUpdates(t *testing.T) {
	a := testApp(t, testConfig(t, "ok"))
	t.Cleanup(a.close)
	commander := a.commander.(*dummy.Commander)

	text := "once"
	u := cmdpkg.Update{UpdateID: 42, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: 5}, Text: &text}}
	a.dispatch(context.Background(), u)
	a.dispatch(context.Background(), u)

	var replies int
	for _, o := range commander.Sent() {
		if o.Kind == "message" {
			replies++
		}
	}
	assert.Equal(t, 1, replies)
	assert.Equal(t, uint64(1), a.handled)
	assert.Equal(t, 1, countEvents(t, a, db.EventUpdateReceived))
}

func TestClose_LogsProcessStopped(t *testing.T) {
	cfg := testConfig(t, "ok")
	a := testApp(t, cfg)
	a.close()

	database, err := db.OpenDB(cfg.DBPath)
	require.NoError(t, err)
	defer database.Close()
	n, err := db.CountEvents(database, db.EventProcessStopped)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fixedCommander struct {
	dummy.Commander
	updates []cmdpkg.Update
}

func (f *fixedCommander) GetUpdates(context.Context, int64, int) ([]cmdpkg.Update, error) {
	return f.updates, nil
}

func messageAt(updateID, date int64) cmdpkg.Update {
	text := "x"
	return cmdpkg.Update{UpdateID: updateID, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: 1}, Text: &text, Date: date}}
}

func TestBootstrapOffset(t *testing.T) {
	now := time.Now().Unix()
	ctx := context.Background()

	offset, err := bootstrapOffset(ctx, &fixedCommander{}, 600, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	stale := &fixedCommander{updates: []cmdpkg.Update{messageAt(10, now-7200), messageAt(11, now-3600)}}
	offset, err = bootstrapOffset(ctx, stale, 600, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(12), offset)

	mixed := &fixedCommander{updates: []cmdpkg.Update{
		messageAt(10, now-7200),
		messageAt(11, now-60),
		messageAt(12, now-30),
		messageAt(13, now-10),
	}}
	offset, err = bootstrapOffset(ctx, mixed, 600, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(11), offset)

	offset, err = bootstrapOffset(ctx, mixed, 600, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(12), offset)
}

func TestNewGateways(t *testing.T) {
	cfg := &config.BotConfig{
		Groq:                  config.GroqConfig{APIKey: "gsk", Model: "llama3-8b-8192"},
		Azure:                 config.AzureConfig{APIKey: "az", Endpoint: "https://example.openai.azure.com", Deployment: "gpt-4o-mini", APIVersion: "2024-06-01"},
		RequestTimeoutSeconds: 10,
		Temperature:           0.7,
		MaxTokens:             1024,
	}
	registry, err := newGateways(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, []model.Backend{model.BackendAzure, model.BackendGroq}, registry.Backends())

	_, err = newGateways(&config.BotConfig{}, "")
	require.Error(t, err)
}

func TestNewGateways_SendsConfiguredZeroTemperature(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hi"}}]}`)
	}))
	defer srv.Close()

	cfg := &config.BotConfig{
		Groq:                  config.GroqConfig{APIKey: "gsk", BaseURL: srv.URL, Model: "m"},
		RequestTimeoutSeconds: 5,
		Temperature:           0,
		MaxTokens:             64,
	}
	registry, err := newGateways(cfg, "")
	require.NoError(t, err)
	gw, ok := registry.Lookup(model.BackendGroq)
	require.True(t, ok)
	_, err = gw.Complete(context.Background(), nil, "hello")
	require.NoError(t, err)

	temperature, present := body["temperature"]
	require.True(t, present, "temperature missing from request: %v", body)
	assert.Equal(t, float64(0), temperature)
}

func TestNewCommander_Unsupported(t *testing.T) {
	_, err := newCommander(&config.BotConfig{Commander: "smoke-signals"})
	require.Error(t, err)
}

func TestLoadSystemPrompt_FromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(file, []byte("  Answer in one sentence.\n"), 0o644))

	prompt, source, err := loadSystemPrompt(&config.BotConfig{SystemPromptFile: file, SystemPrompt: "inline"})
	require.NoError(t, err)
	assert.Equal(t, "file", source)
	assert.Equal(t, "Answer in one sentence.", prompt)
}

func TestLoadSystemPrompt_MissingFileFallsBackToConfig(t *testing.T) {
	cfg := &config.BotConfig{
		SystemPromptFile: filepath.Join(t.TempDir(), "missing.md"),
		SystemPrompt:     "inline",
	}
	prompt, source, err := loadSystemPrompt(cfg)
	require.NoError(t, err)
	assert.Equal(t, "config", source)
	assert.Equal(t, "inline", prompt)
}

func TestLoadSystemPrompt_ReadErrorIsReported(t *testing.T) {
	cfg := &config.BotConfig{SystemPromptFile: t.TempDir(), SystemPrompt: "inline"}
	prompt, source, err := loadSystemPrompt(cfg)
	require.Error(t, err)
	assert.Equal(t, "config", source)
	assert.Equal(t, "inline", prompt)
}

func TestLoadSystemPrompt_None(t *testing.T) {
	prompt, source, err := loadSystemPrompt(&config.BotConfig{})
	require.NoError(t, err)
	assert.Equal(t, "none", source)
	assert.Empty(t, prompt)
}

func TestRun_Flags(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--help"}))
	assert.Equal(t, 2, run([]string{"--no-such-flag"}))
	assert.Equal(t, 1, run([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}))
}
