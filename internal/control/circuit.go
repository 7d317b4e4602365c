package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Error classes counted by a breaker.
const (
	ClassTimeout          = "timeout"
	ClassRateLimited      = "rate_limited"
	ClassProviderAPI      = "provider_api"
	ClassCommandSourceAPI = "command_source_api"
	ClassDB               = "db"
	ClassUnknown          = "unknown"
)

// Transition is the state change caused by a single breaker call. From and
// To are equal when nothing changed.
type Transition struct {
	Scope string
	From  CircuitState
	To    CircuitState
	Class string
}

// Opened reports whether the call tripped the breaker.
func (t Transition) Opened() bool {
	return t.From != CircuitOpen && t.To == CircuitOpen
}

// Reopened reports whether a half-open trial failed.
func (t Transition) Reopened() bool {
	return t.From == CircuitHalfOpen && t.To == CircuitOpen
}

// HalfOpened reports whether the cooldown ran out and a trial is allowed.
func (t Transition) HalfOpened() bool {
	return t.From == CircuitOpen && t.To == CircuitHalfOpen
}

// Closed reports whether the call recovered a tripped breaker.
func (t Transition) Closed() bool {
	return t.From != CircuitClosed && t.To == CircuitClosed
}

// CircuitBreaker counts failures per error class for one scope (a model
// backend or the update poller) and opens once any class hits Threshold.
type CircuitBreaker struct {
	Scope     string
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(scope string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Scope:     scope,
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may go through at now. An open breaker whose
// cooldown has elapsed lets one trial through as half-open.
func (c *CircuitBreaker) Allow(now time.Time) (bool, Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.transition()
	if c.state != CircuitOpen {
		return true, tr
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		return false, tr
	}
	c.state = CircuitHalfOpen
	tr.To = c.state
	return true, tr
}

// RecordSuccess closes the breaker and forgets all failure counts.
func (c *CircuitBreaker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.transition()
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	tr.To = c.state
	return tr
}

// RecordFailure counts a failure of errClass. A failed half-open trial
// reopens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = ClassUnknown
	}
	tr := c.transition()
	tr.Class = errClass

	c.failures[errClass]++
	if c.state == CircuitHalfOpen || c.failures[errClass] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
	}
	tr.To = c.state
	return tr
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) transition() Transition {
	return Transition{Scope: c.Scope, From: c.state, To: c.state, Class: c.openedClass}
}
