package conversation

import "sync"

// DefaultMaxMessages is the history window used when none is configured.
const DefaultMaxMessages = 10

// window is a fixed-capacity ring of messages, oldest at head.
type window struct {
	buf  []Message
	head int
	size int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]Message, capacity)}
}

// push appends m, overwriting the oldest entry once the ring is full.
func (w *window) push(m Message) {
	capacity := len(w.buf)
	if w.size < capacity {
		w.buf[(w.head+w.size)%capacity] = m
		w.size++
		return
	}
	w.buf[w.head] = m
	w.head = (w.head + 1) % capacity
}

func (w *window) snapshot() []Message {
	out := make([]Message, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func (w *window) reset() {
	clear(w.buf)
	w.head = 0
	w.size = 0
}

// Manager keeps a bounded, chronological message history per conversation.
// Histories are created lazily and live for the lifetime of the Manager.
type Manager struct {
	mu          sync.Mutex
	maxMessages int
	histories   map[int64]*window
}

// NewManager creates a manager that retains at most maxMessages per
// conversation. Non-positive values fall back to DefaultMaxMessages.
func NewManager(maxMessages int) *Manager {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Manager{
		maxMessages: maxMessages,
		histories:   make(map[int64]*window),
	}
}

// MaxMessages returns the configured window size.
func (m *Manager) MaxMessages() int {
	return m.maxMessages
}

// Ensure creates an empty history for chatID if none exists yet.
func (m *Manager) Ensure(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(chatID)
}

func (m *Manager) ensureLocked(chatID int64) *window {
	w, ok := m.histories[chatID]
	if !ok {
		w = newWindow(m.maxMessages)
		m.histories[chatID] = w
	}
	return w
}

// Append adds a message to the end of the conversation, evicting the oldest
// entries so the history never exceeds MaxMessages.
func (m *Manager) Append(chatID int64, role Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(chatID).push(Message{Role: role, Content: content})
}

// Read returns a copy of the conversation history, oldest first.
func (m *Manager) Read(chatID int64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(chatID).snapshot()
}

// Len returns the number of messages currently held for chatID.
func (m *Manager) Len(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(chatID).size
}

// Clear empties the conversation history. The conversation itself is kept.
func (m *Manager) Clear(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(chatID).reset()
}
