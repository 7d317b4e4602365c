package bot

import (
	"sync"

	"github.com/stupiduntilnot/relaybot/internal/model"
)

// Preferences remembers which backend each conversation picked. It lives in
// memory only and is lost on restart, like the histories.
type Preferences struct {
	mu       sync.Mutex
	fallback model.Backend
	byChat   map[int64]model.Backend
}

// NewPreferences creates an empty store. fallback, when non-empty, is used for
// conversations that never picked a backend.
func NewPreferences(fallback model.Backend) *Preferences {
	return &Preferences{fallback: fallback, byChat: make(map[int64]model.Backend)}
}

func (p *Preferences) Set(chatID int64, b model.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byChat[chatID] = b
}

// Get returns the effective backend for chatID and whether one applies.
func (p *Preferences) Get(chatID int64) (model.Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.byChat[chatID]; ok {
		return b, true
	}
	if p.fallback != "" {
		return p.fallback, true
	}
	return "", false
}
