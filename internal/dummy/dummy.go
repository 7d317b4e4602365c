package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

// ChatID is the conversation every scripted update belongs to.
const ChatID int64 = 1

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "cb"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		parsed := false
		for _, kind := range actionKinds {
			if arg, found := strings.CutPrefix(token, kind+":"); found {
				actions = append(actions, action{kind: kind, arg: arg})
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

// next returns the next action; the last action repeats forever.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// ScriptError is the failure produced by an "err:<class>" action. Its class
// is what the circuit breakers count.
type ScriptError struct {
	Source string
	Class  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("dummy %s error class=%s", e.Source, e.Class)
}

func (e *ScriptError) ErrorClass() string {
	return e.Class
}

func scriptError(source, class, fallback string) error {
	return &ScriptError{Source: source, Class: emptyAs(class, fallback)}
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outgoing is one message the Commander was asked to deliver.
type Outgoing struct {
	Kind   string // "message", "menu", "typing" or "callback_answer"
	ChatID int64
	Text   string
	Menu   [][]cmdpkg.Button
}

// Commander is a scripted chat platform. Its poll script produces updates,
// its send script decides whether deliveries succeed, and every delivery is
// recorded. Update ids continue from the offset the caller asks for, so a
// restarted process against the same database sees fresh ids.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []Outgoing
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset-1 > c.updateID {
		c.updateID = offset - 1
	}
	a := c.poll.next()
	switch a.kind {
	case "err":
		return nil, scriptError("commander", a.arg, "command_source_api")
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg":
		return c.messageUpdate(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return c.messageUpdate(string(raw)), nil
	case "cb":
		c.updateID++
		return []cmdpkg.Update{{
			UpdateID: c.updateID,
			Callback: &cmdpkg.Callback{
				ID:      fmt.Sprintf("cb-%d", c.updateID),
				Data:    a.arg,
				Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: ChatID}, Date: time.Now().Unix()},
			},
		}}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) messageUpdate(text string) []cmdpkg.Update {
	c.updateID++
	return []cmdpkg.Update{{
		UpdateID: c.updateID,
		Message: &cmdpkg.Message{
			Chat: cmdpkg.Chat{ID: ChatID},
			Text: &text,
			Date: time.Now().Unix(),
		},
	}}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.deliver(ctx, Outgoing{Kind: "message", ChatID: chatID, Text: text})
}

func (c *Commander) SendMenu(ctx context.Context, chatID int64, text string, rows [][]cmdpkg.Button) error {
	return c.deliver(ctx, Outgoing{Kind: "menu", ChatID: chatID, Text: text, Menu: rows})
}

func (c *Commander) SendTyping(ctx context.Context, chatID int64) error {
	return c.deliver(ctx, Outgoing{Kind: "typing", ChatID: chatID})
}

func (c *Commander) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.deliver(ctx, Outgoing{Kind: "callback_answer", Text: callbackID})
}

func (c *Commander) deliver(ctx context.Context, out Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.send.next()
	switch a.kind {
	case "err":
		return scriptError("commander send", a.arg, "command_source_api")
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, out)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (c *Commander) Sent() []Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outgoing(nil), c.sent...)
}

// Call records one Complete invocation.
type Call struct {
	History    []conversation.Message
	NewMessage string
}

// Provider is a scripted model gateway.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  []Call
}

var _ model.Gateway = (*Provider)(nil)

func NewProvider(modelName, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: modelName, script: runner}, nil
}

func (p *Provider) Complete(ctx context.Context, history []conversation.Message, newMessage string) (model.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{
		History:    append([]conversation.Message(nil), history...),
		NewMessage: newMessage,
	})

	a := p.script.next()
	switch a.kind {
	case "err":
		return model.Completion{}, scriptError("provider", a.arg, "provider_api")
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return model.Completion{}, fmt.Errorf("dummy provider interrupted: %w", err)
		}
		return completion("dummy-after-sleep"), nil
	case "echo":
		return completion("echo: " + newMessage), nil
	case "msg":
		return completion(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return model.Completion{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return completion(string(raw)), nil
	default:
		return completion(emptyAs(a.arg, "dummy-ok")), nil
	}
}

// Calls returns a copy of every Complete invocation so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func completion(content string) model.Completion {
	return model.Completion{Content: content, InputTokens: 1, OutputTokens: 1}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
