package engine

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/machinecore/machine/internal/proto"
)

// runState tracks loop progress for a single run. It is owned exclusively by
// the goroutine executing that run and discarded at completion.
type runState struct {
	iteration int
	startedAt time.Time
	deadline  time.Time

	// Retry counters and abandonment markers are keyed by tool-call
	// lineage: the model re-requesting the same tool with the same
	// arguments continues the lineage even though the call id changes.
	retries   map[string]int
	abandoned map[string]struct{}

	messages []proto.Message
}

func newRunState(start time.Time, timeout time.Duration, system string, history []proto.Message, task string) *runState {
	st := &runState{
		startedAt: start,
		deadline:  start.Add(timeout),
		retries:   map[string]int{},
		abandoned: map[string]struct{}{},
	}
	if system != "" {
		st.messages = append(st.messages, proto.Message{Role: proto.RoleSystem, Content: system})
	}
	st.messages = append(st.messages, history...)
	st.messages = append(st.messages, proto.Message{Role: proto.RoleUser, Content: task})
	return st
}

// lineageKey identifies a logical tool call across model-issued retries.
func lineageKey(name string, args json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		return name + "\x00" + string(args)
	}
	return name + "\x00" + buf.String()
}

func (st *runState) append(msg proto.Message) {
	st.messages = append(st.messages, msg)
}

func toolResultTurn(call proto.ToolCall, content string) proto.Message {
	return proto.Message{
		Role:      proto.RoleTool,
		Content:   content,
		ToolCalls: []proto.ToolCall{{ID: call.ID, Function: call.Function}},
	}
}

func toolFailureTurn(call proto.ToolCall, content string) proto.Message {
	return proto.Message{
		Role:      proto.RoleTool,
		Content:   content,
		ToolCalls: []proto.ToolCall{{ID: call.ID, Function: call.Function, IsError: true}},
	}
}
