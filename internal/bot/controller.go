package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

const previewChars = 80

// Options wires a Controller to its collaborators. Manager, Gateways and
// Commander are required; DB may be nil, in which case no events are logged.
type Options struct {
	Manager        *conversation.Manager
	Gateways       *model.Registry
	Commander      cmdpkg.Commander
	DB             *sql.DB
	ParentEventID  *int64
	Logger         *slog.Logger
	Policy         control.Policy
	DefaultBackend model.Backend

	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// Controller turns platform updates into history operations and model calls.
// Updates are expected one at a time from a single run loop.
type Controller struct {
	manager   *conversation.Manager
	gateways  *model.Registry
	commander cmdpkg.Commander
	prefs     *Preferences
	breakers  map[model.Backend]*control.CircuitBreaker
	db        *sql.DB
	parentID  *int64
	logger    *slog.Logger
	policy    control.Policy
	now       func() time.Time
}

func New(opts Options) (*Controller, error) {
	if opts.Manager == nil || opts.Gateways == nil || opts.Commander == nil {
		return nil, errors.New("bot: manager, gateways and commander are required")
	}
	if opts.DefaultBackend != "" {
		if _, ok := opts.Gateways.Lookup(opts.DefaultBackend); !ok {
			return nil, fmt.Errorf("bot: default backend %s has no gateway", opts.DefaultBackend)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy.RequestTimeout <= 0 {
		policy = control.DefaultPolicy()
	}

	breakers := make(map[model.Backend]*control.CircuitBreaker)
	for _, b := range opts.Gateways.Backends() {
		breakers[b] = control.NewCircuitBreaker(string(b), opts.CircuitThreshold, opts.CircuitCooldown)
	}

	return &Controller{
		manager:   opts.Manager,
		gateways:  opts.Gateways,
		commander: opts.Commander,
		prefs:     NewPreferences(opts.DefaultBackend),
		breakers:  breakers,
		db:        opts.DB,
		parentID:  opts.ParentEventID,
		logger:    logger.With("component", "bot"),
		policy:    policy,
		now:       time.Now,
	}, nil
}

// HandleUpdate processes one update. The returned error reports delivery or
// bookkeeping problems; model failures are answered with an apology and are
// not returned.
func (c *Controller) HandleUpdate(ctx context.Context, u cmdpkg.Update) error {
	switch {
	case u.Callback != nil:
		return c.handleCallback(ctx, u.Callback)
	case u.Message != nil && u.Message.Text != nil:
		return c.handleText(ctx, u.Message.Chat.ID, *u.Message.Text)
	default:
		c.logger.Debug("ignoring update", "update_id", u.UpdateID)
		return nil
	}
}

func (c *Controller) handleText(ctx context.Context, chatID int64, text string) error {
	switch command(text) {
	case "/start":
		return c.send(ctx, chatID, welcomeText(c.manager.MaxMessages()))
	case "/menu":
		return c.showMenu(ctx, chatID)
	case "/clear":
		c.clearHistory(chatID)
		return c.send(ctx, chatID, textCleared)
	}

	backend, ok := c.prefs.Get(chatID)
	if !ok {
		return c.showMenu(ctx, chatID)
	}
	return c.relay(ctx, chatID, backend, text)
}

func (c *Controller) relay(ctx context.Context, chatID int64, backend model.Backend, text string) error {
	if err := c.commander.SendTyping(ctx, chatID); err != nil {
		c.logger.Warn("send typing failed", "chat_id", chatID, "error", err)
	}

	gw, ok := c.gateways.Lookup(backend)
	if !ok {
		return c.send(ctx, chatID, notConfiguredText(backend))
	}
	breaker := c.breakers[backend]
	allowed, tr := breaker.Allow(c.now())
	c.observe(breaker, tr)
	if !allowed {
		c.logger.Warn("circuit open, skipping model call", "chat_id", chatID, "backend", backend)
		return c.send(ctx, chatID, textUnavailable)
	}

	exchangeID := uuid.NewString()
	history := c.manager.Read(chatID)
	startedID := c.logEvent(c.parentID, db.EventExchangeStarted, map[string]any{
		"exchange_id":   exchangeID,
		"chat_id":       chatID,
		"backend":       string(backend),
		"history_count": len(history),
		"text_preview":  preview(text),
	})

	callCtx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
	start := c.now()
	resp, err := gw.Complete(callCtx, history, text)
	cancel()
	latency := c.now().Sub(start)

	if err != nil {
		errClass := ClassifyError(err)
		c.logger.Error("model call failed",
			"chat_id", chatID, "backend", backend, "error_class", errClass, "error", err)
		c.observe(breaker, breaker.RecordFailure(errClass, c.now()))
		c.logEvent(startedID, db.EventExchangeFailed, map[string]any{
			"exchange_id": exchangeID,
			"backend":     string(backend),
			"error_class": errClass,
			"error":       err.Error(),
			"latency_ms":  latency.Milliseconds(),
		})
		return c.send(ctx, chatID, textApology)
	}

	c.manager.Append(chatID, conversation.RoleUser, text)
	c.manager.Append(chatID, conversation.RoleAssistant, resp.Content)
	c.observe(breaker, breaker.RecordSuccess())
	c.logEvent(startedID, db.EventExchangeCompleted, map[string]any{
		"exchange_id":   exchangeID,
		"backend":       string(backend),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"latency_ms":    latency.Milliseconds(),
	})

	if err := c.commander.SendMessage(ctx, chatID, resp.Content); err != nil {
		return fmt.Errorf("send reply chat_id=%d: %w", chatID, err)
	}
	c.logEvent(startedID, db.EventReplySent, map[string]any{
		"exchange_id":   exchangeID,
		"chat_id":       chatID,
		"reply_preview": preview(resp.Content),
	})
	c.logger.Info("reply sent",
		"chat_id", chatID, "backend", backend, "history_count", c.manager.Len(chatID),
		"latency_ms", latency.Milliseconds())
	return nil
}

func (c *Controller) handleCallback(ctx context.Context, cb *cmdpkg.Callback) error {
	if err := c.commander.AnswerCallback(ctx, cb.ID); err != nil {
		c.logger.Warn("answer callback failed", "callback_id", cb.ID, "error", err)
	}
	chatID := cb.ChatID()
	if chatID == 0 {
		c.logger.Debug("callback without chat", "callback_id", cb.ID)
		return nil
	}

	switch cb.Data {
	case ActionUseGroq:
		return c.selectBackend(ctx, chatID, model.BackendGroq)
	case ActionUseAzure:
		return c.selectBackend(ctx, chatID, model.BackendAzure)
	case ActionCheckCurrent:
		b, ok := c.prefs.Get(chatID)
		return c.send(ctx, chatID, currentText(b, ok))
	case ActionClearHistory:
		c.clearHistory(chatID)
		return c.send(ctx, chatID, textCleared)
	case ActionViewHistory:
		return c.send(ctx, chatID, historyText(c.manager.Read(chatID)))
	default:
		return c.send(ctx, chatID, textInvalid)
	}
}

func (c *Controller) selectBackend(ctx context.Context, chatID int64, b model.Backend) error {
	if _, ok := c.gateways.Lookup(b); !ok {
		return c.send(ctx, chatID, notConfiguredText(b))
	}
	c.prefs.Set(chatID, b)
	c.logEvent(c.parentID, db.EventBackendSelected, map[string]any{
		"chat_id": chatID,
		"backend": string(b),
	})
	c.logger.Info("backend selected", "chat_id", chatID, "backend", b)
	return c.send(ctx, chatID, selectedText(b))
}

func (c *Controller) clearHistory(chatID int64) {
	dropped := c.manager.Len(chatID)
	c.manager.Clear(chatID)
	c.logEvent(c.parentID, db.EventHistoryCleared, map[string]any{
		"chat_id": chatID,
		"dropped": dropped,
	})
}

func (c *Controller) showMenu(ctx context.Context, chatID int64) error {
	if err := c.commander.SendMenu(ctx, chatID, menuPrompt, menuRows()); err != nil {
		return fmt.Errorf("send menu chat_id=%d: %w", chatID, err)
	}
	return nil
}

func (c *Controller) send(ctx context.Context, chatID int64, text string) error {
	if err := c.commander.SendMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("send message chat_id=%d: %w", chatID, err)
	}
	return nil
}

func (c *Controller) observe(breaker *control.CircuitBreaker, tr control.Transition) {
	eventType, payload := CircuitEvent(tr, breaker)
	if eventType == "" {
		return
	}
	if tr.Opened() {
		c.logger.Warn("circuit opened", "backend", tr.Scope, "error_class", tr.Class)
	}
	c.logEvent(c.parentID, eventType, payload)
}

// BreakerState reports the circuit state for a backend, for diagnostics.
func (c *Controller) BreakerState(b model.Backend) (control.CircuitState, bool) {
	breaker, ok := c.breakers[b]
	if !ok {
		return "", false
	}
	return breaker.State(), true
}

func (c *Controller) logEvent(parentID *int64, eventType string, payload map[string]any) *int64 {
	if c.db == nil {
		return parentID
	}
	id, err := db.LogEvent(c.db, parentID, eventType, payload)
	if err != nil {
		c.logger.Warn("log event failed", "event_type", eventType, "error", err)
		return parentID
	}
	return &id
}

// command returns the bot command in text, without any @botname suffix, or
// "" when text is not a command.
func command(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "/") || strings.ContainsAny(t, " \n\t") {
		return ""
	}
	name, _, _ := strings.Cut(t, "@")
	return strings.ToLower(name)
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}
