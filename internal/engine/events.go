package engine

import "encoding/json"

// EventType tags an event emitted during a run.
type EventType string

// Event types, in rough causal order.
const (
	EventTextDelta       EventType = "text_delta"
	EventToolCallStarted EventType = "tool_call_started"
	EventToolCallResult  EventType = "tool_call_result"
	EventToolCallError   EventType = "tool_call_error"
	EventFinalResult     EventType = "final_result"
	EventRunError        EventType = "run_error"
)

// ErrorKind classifies tool-level and run-level failures.
type ErrorKind string

// Failure taxonomy. InvalidTask, IterationLimitExceeded, TimeoutExceeded and
// ModelError terminate the run; the rest are recovered by feeding a failure
// turn back to the model.
const (
	ErrInvalidTask      ErrorKind = "invalid_task"
	ErrUnknownTool      ErrorKind = "unknown_tool"
	ErrInvalidArguments ErrorKind = "invalid_arguments"
	ErrToolExecution    ErrorKind = "tool_execution_error"
	ErrRetriesExhausted ErrorKind = "retries_exhausted"
	ErrIterationLimit   ErrorKind = "iteration_limit_exceeded"
	ErrTimeout          ErrorKind = "timeout_exceeded"
	ErrModel            ErrorKind = "model_error"
)

// Event is a single typed notification from a run. Exactly one terminal event
// (final_result or run_error) is emitted per run.
type Event struct {
	Type   EventType       `json:"type"`
	RunID  string          `json:"run_id"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Kind   ErrorKind       `json:"kind,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == EventFinalResult || e.Type == EventRunError
}

// Error is a run-level failure carrying its taxonomy kind, returned by
// synchronous callers.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}
