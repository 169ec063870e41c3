package pubsub

import "fmt"

// Code identifies why a publisher or subscriber rejected a call.
type Code string

const (
	CodeExchangeMissing Code = "EXCHANGE_MISSING"
	CodeQueueMissing    Code = "QUEUE_MISSING"
	CodeHandlerMissing  Code = "HANDLER_MISSING"
	CodeAlreadyStarted  Code = "ALREADY_STARTED"
	CodeNotStarted      Code = "NOT_STARTED"
	CodeNotConnected    Code = "NOT_CONNECTED"
)

var messages = map[Code]string{
	CodeExchangeMissing: "you must supply an exchange name in the options",
	CodeQueueMissing:    "you must provide a queue name in the options",
	CodeHandlerMissing:  "you must provide a message handler",
	CodeAlreadyStarted:  "message queue has already been started",
	CodeNotStarted:      "message queue has not been started",
	CodeNotConnected:    "you are not connected to an AMQP server",
}

// ConfigError is returned by constructors when a required option is missing.
type ConfigError struct {
	Code Code
}

func (e *ConfigError) Error() string {
	return messages[e.Code]
}

// Is matches any ConfigError with the same code.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	return ok && t.Code == e.Code
}

// StateError is returned when an operation is not valid in the current
// lifecycle state.
type StateError struct {
	Code  Code
	Op    string
	State State
}

func (e *StateError) Error() string {
	if e.Op == "" {
		return messages[e.Code]
	}
	return fmt.Sprintf("%s: %s (state %s)", e.Op, messages[e.Code], e.State)
}

// Is matches any StateError with the same code, regardless of Op and State.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrExchangeMissing error = &ConfigError{Code: CodeExchangeMissing}
	ErrQueueMissing    error = &ConfigError{Code: CodeQueueMissing}
	ErrHandlerMissing  error = &ConfigError{Code: CodeHandlerMissing}
	ErrAlreadyStarted  error = &StateError{Code: CodeAlreadyStarted}
	ErrNotStarted      error = &StateError{Code: CodeNotStarted}
	ErrNotConnected    error = &StateError{Code: CodeNotConnected}
)
