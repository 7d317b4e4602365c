package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/stupiduntilnot/relaybot/internal/conversation"
)

// Backend names a model gateway variant.
type Backend string

const (
	BackendGroq  Backend = "groq"
	BackendAzure Backend = "azure"
	BackendDummy Backend = "dummy"
)

// ParseBackend maps a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendGroq, BackendAzure, BackendDummy:
		return b, nil
	default:
		return "", fmt.Errorf("unknown model backend: %q", s)
	}
}

// Completion is the common response model for model gateways.
type Completion struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Gateway generates a reply for newMessage given the prior conversation.
// history is the stored window, oldest first; it never contains newMessage.
type Gateway interface {
	Complete(ctx context.Context, history []conversation.Message, newMessage string) (Completion, error)
}

// Registry maps backends to configured gateways.
type Registry struct {
	gateways map[Backend]Gateway
}

// NewRegistry creates an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[Backend]Gateway)}
}

// Register installs gw for backend b. Registering the same backend twice is
// an error.
func (r *Registry) Register(b Backend, gw Gateway) error {
	if gw == nil {
		return fmt.Errorf("gateway for %s is nil", b)
	}
	if _, exists := r.gateways[b]; exists {
		return fmt.Errorf("gateway already registered: %s", b)
	}
	r.gateways[b] = gw
	return nil
}

// Lookup returns the gateway for b.
func (r *Registry) Lookup(b Backend) (Gateway, bool) {
	gw, ok := r.gateways[b]
	return gw, ok
}

// Backends lists the registered backends in name order.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, 0, len(r.gateways))
	for b := range r.gateways {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
