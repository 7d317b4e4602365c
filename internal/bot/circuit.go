package bot

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
)

// classifiedError is implemented by errors that know their breaker class:
// commander.Error, openai.APIError and the dummy script errors.
type classifiedError interface {
	error
	ErrorClass() string
}

// ClassifyError maps an error to the class used for circuit breaker
// accounting. Only typed errors are trusted; anything else is unknown.
func ClassifyError(err error) string {
	if err == nil {
		return control.ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return control.ClassTimeout
	}
	var classified classifiedError
	if errors.As(err, &classified) {
		return classified.ErrorClass()
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return control.ClassDB
	}
	return control.ClassUnknown
}

// CircuitEvent maps a breaker transition to the event type and payload that
// record it. The event type is empty when the call changed nothing.
func CircuitEvent(tr control.Transition, breaker *control.CircuitBreaker) (string, map[string]any) {
	payload := map[string]any{"scope": tr.Scope}
	switch {
	case tr.Opened():
		payload["error_class"] = tr.Class
		payload["threshold"] = breaker.Threshold
		payload["cooldown_seconds"] = int(breaker.Cooldown.Seconds())
		payload["reopened"] = tr.Reopened()
		return db.EventCircuitOpened, payload
	case tr.HalfOpened():
		payload["error_class"] = tr.Class
		return db.EventCircuitHalfOpen, payload
	case tr.Closed():
		payload["from"] = string(tr.From)
		return db.EventCircuitClosed, payload
	}
	return "", nil
}
