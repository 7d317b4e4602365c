package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/relaybot/internal/bot"
	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/model"
	"github.com/stupiduntilnot/relaybot/internal/openai"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("relaybot", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("RELAYBOT_CONFIG"), "path to a TOML or YAML config file")
	logLevel := flags.String("log-level", "", "override log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadBotConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaybot: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(&cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	if err := a.pollLoop(ctx); err != nil {
		logger.Error("poll loop stopped", "error", err)
		return 1
	}
	return 0
}

type app struct {
	cfg       *config.BotConfig
	logger    *slog.Logger
	database  *sql.DB
	commander cmdpkg.Commander
	ctrl      *bot.Controller
	processID *int64
	idle      time.Duration
	handled   uint64
}

func newApp(cfg *config.BotConfig, logger *slog.Logger) (*app, error) {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	commander, err := newCommander(cfg)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init commander: %w", err)
	}

	prompt, source, promptErr := loadSystemPrompt(cfg)
	if promptErr != nil {
		logger.Warn("system prompt file unreadable, using fallback", "path", cfg.SystemPromptFile, "error", promptErr)
	}
	gateways, err := newGateways(cfg, prompt)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init model gateways: %w", err)
	}

	backends := make([]string, 0)
	for _, b := range gateways.Backends() {
		backends = append(backends, string(b))
	}
	processID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":           "relaybot",
		"instance_id":    uuid.NewString(),
		"pid":            os.Getpid(),
		"commander":      cfg.Commander,
		"backends":       backends,
		"history_window": cfg.HistoryWindow,
		"prompt_source":  source,
	})
	var parentID *int64
	if err != nil {
		logger.Warn("failed to log process.started", "error", err)
	} else {
		parentID = &processID
	}

	var defaultBackend model.Backend
	if cfg.DefaultBackend != "" {
		if defaultBackend, err = model.ParseBackend(cfg.DefaultBackend); err != nil {
			database.Close()
			return nil, err
		}
	}

	ctrl, err := bot.New(bot.Options{
		Manager:        conversation.NewManager(cfg.HistoryWindow),
		Gateways:       gateways,
		Commander:      commander,
		DB:             database,
		ParentEventID:  parentID,
		Logger:         logger,
		DefaultBackend: defaultBackend,
		Policy: control.Policy{
			RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
			MaxRetries:     cfg.MaxRetries,
		},
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  time.Duration(cfg.CircuitCooldownSeconds) * time.Second,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	logger.Info("relaybot running",
		"commander", cfg.Commander,
		"backends", strings.Join(backends, ","),
		"default_backend", cfg.DefaultBackend,
		"history_window", cfg.HistoryWindow)

	return &app{
		cfg:       cfg,
		logger:    logger,
		database:  database,
		commander: commander,
		ctrl:      ctrl,
		processID: parentID,
		idle:      time.Duration(cfg.SleepSeconds) * time.Second,
	}, nil
}

func (a *app) close() {
	if _, err := db.LogEvent(a.database, a.processID, db.EventProcessStopped, map[string]any{
		"handled": a.handled,
	}); err != nil {
		a.logger.Warn("failed to log process.stopped", "error", err)
	}
	a.database.Close()
}

// pollLoop fetches updates and hands them to the controller one at a time
// until ctx is cancelled.
func (a *app) pollLoop(ctx context.Context) error {
	offset, err := db.DeriveOffset(a.database)
	if err != nil {
		return fmt.Errorf("failed to derive offset: %w", err)
	}
	if offset == 0 && a.cfg.DropPending {
		bootstrapped, err := bootstrapOffset(ctx, a.commander, a.cfg.PendingWindowSeconds, a.cfg.PendingMaxMessages)
		if err != nil {
			a.logger.Warn("bootstrap offset error", "error", err)
		} else {
			offset = bootstrapped
		}
	}

	circuit := control.NewCircuitBreaker("poll", a.cfg.CircuitThreshold, time.Duration(a.cfg.CircuitCooldownSeconds)*time.Second)
	attempt := 0

	for ctx.Err() == nil {
		allowed, tr := circuit.Allow(time.Now())
		a.observe(circuit, tr)
		if !allowed {
			sleepCtx(ctx, a.idle)
			continue
		}

		updates, err := a.commander.GetUpdates(ctx, offset, a.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			attempt++
			errClass := bot.ClassifyError(err)
			backoff := control.Backoff(attempt, a.idle)
			a.logger.Warn("getUpdates failed", "error", err, "error_class", errClass, "attempt", attempt, "backoff", backoff)
			a.observe(circuit, circuit.RecordFailure(errClass, time.Now()))
			sleepCtx(ctx, backoff)
			continue
		}
		attempt = 0
		a.observe(circuit, circuit.RecordSuccess())

		if len(updates) == 0 {
			sleepCtx(ctx, a.idle)
			continue
		}
		// An update that has started runs to completion after shutdown is
		// requested; the rest of the batch is left for the next run.
		for _, u := range updates {
			if ctx.Err() != nil {
				break
			}
			offset = u.UpdateID + 1
			a.dispatch(context.WithoutCancel(ctx), u)
		}
	}

	a.logger.Info("shutting down", "handled", a.handled)
	return nil
}

func (a *app) dispatch(ctx context.Context, u cmdpkg.Update) {
	chatID, kind := describeUpdate(u)
	fresh, err := db.MarkUpdate(a.database, u.UpdateID, chatID, kind)
	if err != nil {
		a.logger.Error("mark update failed", "update_id", u.UpdateID, "error", err)
		return
	}
	if !fresh {
		a.logger.Debug("skipping replayed update", "update_id", u.UpdateID)
		return
	}
	a.logEvent(db.EventUpdateReceived, map[string]any{
		"update_id": u.UpdateID,
		"chat_id":   chatID,
		"kind":      kind,
	})

	if err := a.ctrl.HandleUpdate(ctx, u); err != nil {
		a.logger.Warn("handle update failed", "update_id", u.UpdateID, "chat_id", chatID, "error", err)
	}
	a.handled++
}

func (a *app) observe(circuit *control.CircuitBreaker, tr control.Transition) {
	eventType, payload := bot.CircuitEvent(tr, circuit)
	if eventType != "" {
		a.logEvent(eventType, payload)
	}
}

func (a *app) logEvent(eventType string, payload map[string]any) {
	if _, err := db.LogEvent(a.database, a.processID, eventType, payload); err != nil {
		a.logger.Warn("log event failed", "event_type", eventType, "error", err)
	}
}

func describeUpdate(u cmdpkg.Update) (int64, string) {
	switch {
	case u.Callback != nil:
		return u.Callback.ChatID(), "callback"
	case u.Message != nil:
		return u.Message.Chat.ID, "message"
	default:
		return 0, "other"
	}
}

// bootstrapOffset skips updates that piled up while the bot was down, keeping
// at most pendingMaxMessages messages newer than pendingWindowSeconds.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, pendingWindowSeconds int64, pendingMaxMessages int) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := time.Now().Unix() - pendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}
	if pendingMaxMessages > 0 && len(inWindow) > pendingMaxMessages {
		inWindow = inWindow[len(inWindow)-pendingMaxMessages:]
	}
	return inWindow[0].UpdateID, nil
}

func newCommander(cfg *config.BotConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+20)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newGateways(cfg *config.BotConfig, systemPrompt string) (*model.Registry, error) {
	opts := openai.Options{
		SystemPrompt: systemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.MaxRetries,
	}

	registry := model.NewRegistry()
	if cfg.Groq.Enabled() {
		gw := openai.NewGroq(cfg.Groq.APIKey, cfg.Groq.BaseURL, cfg.Groq.Model, opts)
		if err := registry.Register(model.BackendGroq, gw); err != nil {
			return nil, err
		}
	}
	if cfg.Azure.Enabled() {
		gw := openai.NewAzure(cfg.Azure.APIKey, cfg.Azure.Endpoint, cfg.Azure.Deployment, cfg.Azure.APIVersion, opts)
		if err := registry.Register(model.BackendAzure, gw); err != nil {
			return nil, err
		}
	}
	if cfg.DummyBackend {
		gw, err := dummy.NewProvider("dummy", cfg.DummyProviderScript)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(model.BackendDummy, gw); err != nil {
			return nil, err
		}
	}
	if len(registry.Backends()) == 0 {
		return nil, errors.New("no model backend configured")
	}
	return registry, nil
}

// loadSystemPrompt prefers the prompt file, then the inline setting. A missing
// file is not an error; any other read failure is reported alongside the
// fallback prompt.
func loadSystemPrompt(cfg *config.BotConfig) (prompt, source string, err error) {
	if cfg.SystemPromptFile != "" {
		data, readErr := os.ReadFile(cfg.SystemPromptFile)
		switch {
		case readErr == nil:
			if p := strings.TrimSpace(string(data)); p != "" {
				return p, "file", nil
			}
		case !errors.Is(readErr, fs.ErrNotExist):
			err = readErr
		}
	}
	if p := strings.TrimSpace(cfg.SystemPrompt); p != "" {
		return p, "config", err
	}
	return "", "none", err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
