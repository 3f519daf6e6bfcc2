package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/machinecore/machine/internal/proto"
)

// Model is the language-model capability boundary. Given the conversation so
// far and the declared tool set, a single Stream call produces one model
// turn as a lazy part sequence: text deltas, tool-call requests, and a finish
// or error part.
//
// Implementations must be safe for concurrent use; the engine shares them
// across runs by reference and never mutates them.
type Model interface {
	Stream(ctx context.Context, req proto.Request) (iter.Seq[proto.Part], error)
}

// Toolset is the tool capability boundary: discovery plus invocation.
// Tool names passed to CallTool use the flattened <server>_<tool> form.
type Toolset interface {
	Tools(ctx context.Context) (map[string][]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args []byte) (string, error)
}

// Engine turns one task into a bounded model/tool loop.
//
// An Engine is safe for concurrent use: every Run owns its conversation and
// loop state exclusively, and the model and toolset are only read.
type Engine struct {
	model  Model
	tools  Toolset
	cfg    Config
	system string

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSystemPrompt seeds every run's conversation with a system turn.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) { e.system = prompt }
}

// New creates an engine over the given capabilities. The configuration is
// validated here, once.
func New(model Model, tools Toolset, cfg Config, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if tools == nil {
		return nil, fmt.Errorf("%w: toolset is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	e := &Engine{model: model, tools: tools, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run starts a run for the given task and returns its event stream.
//
// The stream produces exactly one terminal event. Abandoning it (Close, or
// cancelling ctx) stops the loop at the next suspension point.
func (e *Engine) Run(ctx context.Context, task string) *Stream {
	return e.Resume(ctx, nil, task)
}

// Resume starts a run seeded with an earlier conversation. The history goes
// between the system turn and the new task; invariants and bounds are those
// of a fresh run.
func (e *Engine) Resume(ctx context.Context, history []proto.Message, task string) *Stream {
	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	s := &Stream{events: events, cancel: cancel}
	go func() {
		defer close(events)
		e.run(runCtx, history, task, events)
	}()
	return s
}

func (e *Engine) run(ctx context.Context, history []proto.Message, task string, out chan<- Event) {
	runID := uuid.NewString()

	if strings.TrimSpace(task) == "" {
		e.emit(ctx, out, Event{
			Type:  EventRunError,
			RunID: runID,
			Kind:  ErrInvalidTask,
			Err:   "task must not be empty",
		})
		return
	}

	declared, err := e.tools.Tools(ctx)
	if err != nil {
		e.emit(ctx, out, Event{
			Type:  EventRunError,
			RunID: runID,
			Kind:  ErrToolExecution,
			Err:   fmt.Sprintf("tool discovery: %v", err),
		})
		return
	}
	index := indexTools(declared)

	st := newRunState(e.now(), e.cfg.Timeout, e.system, history, task)

	for st.iteration < e.cfg.MaxIterations {
		if ctx.Err() != nil {
			return
		}
		if !e.now().Before(st.deadline) {
			e.emitTimeout(ctx, out, runID, st)
			return
		}

		seq, err := e.model.Stream(ctx, proto.Request{Messages: st.messages, Tools: declared})
		if err != nil {
			e.emitModelError(ctx, out, runID, err)
			return
		}
		st.iteration++

		text, calls, modelErr := e.consumeTurn(ctx, out, runID, seq)
		if ctx.Err() != nil {
			return
		}
		if modelErr != nil {
			e.emitModelError(ctx, out, runID, modelErr)
			return
		}

		if len(calls) == 0 {
			st.append(proto.Message{Role: proto.RoleAssistant, Content: text})
			e.emit(ctx, out, Event{Type: EventFinalResult, RunID: runID, Text: text})
			return
		}

		st.append(proto.Message{Role: proto.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			if ctx.Err() != nil {
				return
			}
			if !e.now().Before(st.deadline) {
				e.emitTimeout(ctx, out, runID, st)
				return
			}
			if !e.dispatch(ctx, out, runID, st, index, call) {
				return
			}
		}
	}

	e.emit(ctx, out, Event{
		Type:  EventRunError,
		RunID: runID,
		Kind:  ErrIterationLimit,
		Err:   fmt.Sprintf("no final answer after %d iterations", e.cfg.MaxIterations),
	})
}

// consumeTurn drains one model turn, forwarding text deltas as they arrive
// and collecting tool-call requests in arrival order.
func (e *Engine) consumeTurn(ctx context.Context, out chan<- Event, runID string, seq iter.Seq[proto.Part]) (string, []proto.ToolCall, error) {
	var text strings.Builder
	var calls []proto.ToolCall

	for part := range seq {
		switch part.Type {
		case proto.PartTextDelta:
			if part.Text == "" {
				continue
			}
			text.WriteString(part.Text)
			if !e.emit(ctx, out, Event{Type: EventTextDelta, RunID: runID, Text: part.Text}) {
				return "", nil, nil
			}
		case proto.PartToolCall:
			calls = append(calls, part.ToolCall)
		case proto.PartError:
			return text.String(), calls, part.Err
		case proto.PartFinish:
		}
	}

	return text.String(), calls, nil
}

// dispatch executes one tool call: name and argument validation, then the
// external invocation with failure feedback into the conversation. It returns
// false when the run must stop (consumer gone).
func (e *Engine) dispatch(ctx context.Context, out chan<- Event, runID string, st *runState, index map[string]mcp.Tool, call proto.ToolCall) bool {
	name := call.Function.Name
	args := call.Function.Arguments

	tool, known := index[name]
	if !known {
		// Rejections never reach execution, so the retry counter is
		// untouched; the failure turn lets the model recover.
		if !e.emit(ctx, out, Event{
			Type: EventToolCallError, RunID: runID,
			Tool: name, CallID: call.ID,
			Kind: ErrUnknownTool, Err: fmt.Sprintf("unknown tool %q", name),
		}) {
			return false
		}
		st.append(toolFailureTurn(call, fmt.Sprintf("unknown tool %q: it is not in the declared tool set", name)))
		return true
	}

	if err := validateArguments(tool, args); err != nil {
		if !e.emit(ctx, out, Event{
			Type: EventToolCallError, RunID: runID,
			Tool: name, CallID: call.ID,
			Kind: ErrInvalidArguments, Err: err.Error(),
		}) {
			return false
		}
		st.append(toolFailureTurn(call, fmt.Sprintf("invalid arguments for %q: %v", name, err)))
		return true
	}

	key := lineageKey(name, args)
	if _, dead := st.abandoned[key]; dead {
		st.append(toolFailureTurn(call, fmt.Sprintf("tool %q is unavailable for the remainder of this run", name)))
		return true
	}

	if !e.emit(ctx, out, Event{
		Type: EventToolCallStarted, RunID: runID,
		Tool: name, CallID: call.ID, Args: args,
	}) {
		return false
	}

	result, err := e.tools.CallTool(ctx, name, args)
	if ctx.Err() != nil {
		// In-flight invocation completed (or was interrupted) after the
		// consumer left; either way the result is discarded.
		return false
	}

	if err == nil {
		delete(st.retries, key)
		st.append(toolResultTurn(call, result))
		return e.emit(ctx, out, Event{
			Type: EventToolCallResult, RunID: runID,
			Tool: name, CallID: call.ID, Text: result,
		})
	}

	st.retries[key]++
	if st.retries[key] <= e.cfg.MaxToolRetries {
		if !e.emit(ctx, out, Event{
			Type: EventToolCallError, RunID: runID,
			Tool: name, CallID: call.ID,
			Kind: ErrToolExecution, Err: err.Error(),
		}) {
			return false
		}
		st.append(toolFailureTurn(call, fmt.Sprintf("tool %q failed: %v", name, err)))
		return true
	}

	st.abandoned[key] = struct{}{}
	if !e.emit(ctx, out, Event{
		Type: EventToolCallError, RunID: runID,
		Tool: name, CallID: call.ID,
		Kind: ErrRetriesExhausted, Err: err.Error(),
	}) {
		return false
	}
	st.append(toolFailureTurn(call, fmt.Sprintf(
		"tool %q failed %d times and is now unavailable for this run: %v",
		name, st.retries[key], err,
	)))
	return true
}

func (e *Engine) emitTimeout(ctx context.Context, out chan<- Event, runID string, st *runState) {
	e.emit(ctx, out, Event{
		Type:  EventRunError,
		RunID: runID,
		Kind:  ErrTimeout,
		Err:   fmt.Sprintf("run exceeded %s after %d iterations", e.cfg.Timeout, st.iteration),
	})
}

func (e *Engine) emitModelError(ctx context.Context, out chan<- Event, runID string, err error) {
	e.emit(ctx, out, Event{
		Type:  EventRunError,
		RunID: runID,
		Kind:  ErrModel,
		Err:   err.Error(),
	})
}

// emit delivers an event to the consumer, or reports false if the run context
// was cancelled first. This is the cooperative suspension point streaming
// consumers pull on.
func (e *Engine) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// indexTools flattens the per-server tool map into the <server>_<tool>
// namespace the model sees.
func indexTools(declared map[string][]mcp.Tool) map[string]mcp.Tool {
	index := make(map[string]mcp.Tool)
	for server, tools := range declared {
		for _, tool := range tools {
			index[server+"_"+tool.Name] = tool
		}
	}
	return index
}
