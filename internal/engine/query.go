package engine

import (
	"context"
	"strings"
)

// RunQuery runs a task to completion and returns the final answer text.
//
// It is a full drain over the same event stream Run produces: text deltas are
// accumulated as a fallback, the final_result payload wins when present, and
// a run_error terminal event becomes an *Error carrying the taxonomy kind.
func (e *Engine) RunQuery(ctx context.Context, task string) (string, error) {
	s := e.Run(ctx, task)
	defer s.Close() //nolint:errcheck

	var deltas strings.Builder
	for s.Next() {
		ev := s.Current()
		switch ev.Type {
		case EventTextDelta:
			deltas.WriteString(ev.Text)
		case EventFinalResult:
			if ev.Text != "" {
				return ev.Text, nil
			}
			return deltas.String(), nil
		case EventRunError:
			return "", &Error{Kind: ev.Kind, Message: ev.Err}
		case EventToolCallStarted, EventToolCallResult, EventToolCallError:
			// Tool-level failures are recovered inside the run; only a
			// run_error terminal surfaces to synchronous callers.
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", &Error{Kind: ErrModel, Message: "run ended without a terminal event"}
}

// RunQueryStream starts a run for incremental consumption. It is Run under
// the caller-facing name; both views share one producer.
func (e *Engine) RunQueryStream(ctx context.Context, task string) *Stream {
	return e.Run(ctx, task)
}
