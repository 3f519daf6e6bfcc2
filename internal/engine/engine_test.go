package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/machinecore/machine/internal/proto"
)

// scriptedModel replays a fixed sequence of model turns. When the script is
// exhausted it keeps replaying the last turn, which makes "model never
// terminates" scenarios trivial to express.
type scriptedModel struct {
	mu    sync.Mutex
	turns [][]proto.Part
	index int
	calls int
}

func newScriptedModel(turns ...[]proto.Part) *scriptedModel {
	return &scriptedModel{turns: turns}
}

func (m *scriptedModel) Stream(_ context.Context, _ proto.Request) (iter.Seq[proto.Part], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.turns) == 0 {
		return nil, errors.New("script is empty")
	}
	m.calls++
	turn := m.turns[min(m.index, len(m.turns)-1)]
	m.index++

	parts := make([]proto.Part, len(turn))
	copy(parts, turn)
	return func(yield func(proto.Part) bool) {
		for _, part := range parts {
			if !yield(part) {
				return
			}
		}
	}, nil
}

func (m *scriptedModel) modelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textTurn(chunks ...string) []proto.Part {
	parts := make([]proto.Part, 0, len(chunks)+1)
	for _, chunk := range chunks {
		parts = append(parts, proto.Part{Type: proto.PartTextDelta, Text: chunk})
	}
	return append(parts, proto.Part{Type: proto.PartFinish})
}

func toolTurn(calls ...proto.ToolCall) []proto.Part {
	parts := make([]proto.Part, 0, len(calls)+1)
	for _, call := range calls {
		parts = append(parts, proto.Part{Type: proto.PartToolCall, ToolCall: call})
	}
	return append(parts, proto.Part{Type: proto.PartFinish})
}

func call(id, name, args string) proto.ToolCall {
	return proto.ToolCall{
		ID:       id,
		Function: proto.Function{Name: name, Arguments: json.RawMessage(args)},
	}
}

// stubToolset serves a fixed declaration set and records every invocation.
type stubToolset struct {
	mu      sync.Mutex
	decls   map[string][]mcp.Tool
	listErr error
	invoke  func(name string, args []byte) (string, error)
	record  []string
}

func weatherToolset() *stubToolset {
	return &stubToolset{
		decls: map[string][]mcp.Tool{
			"weather": {{
				Name:        "get_weather",
				Description: "Current weather for a city",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]any{
						"city": map[string]any{"type": "string"},
					},
					Required: []string{"city"},
				},
			}},
		},
		invoke: func(string, []byte) (string, error) {
			return `{"temp":5}`, nil
		},
	}
}

func (t *stubToolset) Tools(context.Context) (map[string][]mcp.Tool, error) {
	if t.listErr != nil {
		return nil, t.listErr
	}
	return t.decls, nil
}

func (t *stubToolset) CallTool(_ context.Context, name string, args []byte) (string, error) {
	t.mu.Lock()
	t.record = append(t.record, name)
	t.mu.Unlock()
	if t.invoke == nil {
		return "", fmt.Errorf("no invoke handler for %q", name)
	}
	return t.invoke(name, args)
}

func (t *stubToolset) invocations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.record))
	copy(out, t.record)
	return out
}

func testConfig() Config {
	return Config{MaxIterations: 10, Timeout: time.Minute, MaxToolRetries: 2}
}

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	for ev := range s.All() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	model := newScriptedModel(textTurn("ok"))
	tools := weatherToolset()

	t.Run("rejects non-positive iterations", func(t *testing.T) {
		_, err := New(model, tools, Config{MaxIterations: 0, Timeout: time.Second})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects non-positive timeout", func(t *testing.T) {
		_, err := New(model, tools, Config{MaxIterations: 1, Timeout: 0})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects negative retries", func(t *testing.T) {
		_, err := New(model, tools, Config{MaxIterations: 1, Timeout: time.Second, MaxToolRetries: -1})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("rejects nil capabilities", func(t *testing.T) {
		_, err := New(nil, tools, testConfig())
		require.ErrorIs(t, err, ErrInvalidConfig)
		_, err = New(model, nil, testConfig())
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("accepts valid config", func(t *testing.T) {
		e, err := New(model, tools, testConfig())
		require.NoError(t, err)
		require.NotNil(t, e)
	})
}

func TestRunImmediateFinal(t *testing.T) {
	model := newScriptedModel(textTurn("4"))
	e, err := New(model, weatherToolset(), testConfig())
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "2+2"))
	require.Equal(t, []EventType{EventTextDelta, EventFinalResult}, eventTypes(events))
	require.Equal(t, "4", events[len(events)-1].Text)
	require.Equal(t, 1, model.modelCalls())
}

func TestRunQueryReturnsFinalText(t *testing.T) {
	model := newScriptedModel(textTurn("4"))
	e, err := New(model, weatherToolset(), testConfig())
	require.NoError(t, err)

	out, err := e.RunQuery(t.Context(), "2+2")
	require.NoError(t, err)
	require.Equal(t, "4", out)
}

func TestRunToolCallThenFinal(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
		textTurn("5°C"),
	)
	tools := weatherToolset()
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "weather in Oslo"))
	require.Equal(t, []EventType{
		EventToolCallStarted,
		EventToolCallResult,
		EventTextDelta,
		EventFinalResult,
	}, eventTypes(events))

	require.Equal(t, "weather_get_weather", events[0].Tool)
	require.Equal(t, "c1", events[0].CallID)
	require.JSONEq(t, `{"city":"Oslo"}`, string(events[0].Args))
	require.Equal(t, `{"temp":5}`, events[1].Text)
	require.Equal(t, "5°C", events[3].Text)
	require.Equal(t, []string{"weather_get_weather"}, tools.invocations())
}

func TestRunInvalidTaskFailsFast(t *testing.T) {
	model := newScriptedModel(textTurn("unused"))
	e, err := New(model, weatherToolset(), testConfig())
	require.NoError(t, err)

	for _, task := range []string{"", "   ", "\n\t"} {
		events := drain(t, e.Run(t.Context(), task))
		require.Len(t, events, 1)
		require.Equal(t, EventRunError, events[0].Type)
		require.Equal(t, ErrInvalidTask, events[0].Kind)
	}
	require.Zero(t, model.modelCalls())
}

func TestRunUnknownToolDoesNotCountAsRetry(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_forecast", `{}`)),
		toolTurn(call("c2", "weather_forecast", `{}`)),
		textTurn("done"),
	)
	tools := weatherToolset()
	cfg := testConfig()
	cfg.MaxToolRetries = 0
	e, err := New(model, tools, cfg)
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "forecast"))
	require.Equal(t, []EventType{
		EventToolCallError,
		EventToolCallError,
		EventTextDelta,
		EventFinalResult,
	}, eventTypes(events))
	// Unknown tools never reach execution and never exhaust retries.
	require.Equal(t, ErrUnknownTool, events[0].Kind)
	require.Equal(t, ErrUnknownTool, events[1].Kind)
	require.Empty(t, tools.invocations())
}

func TestRunInvalidArgumentsRejected(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"city":42}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newScriptedModel(
				toolTurn(call("c1", "weather_get_weather", tt.args)),
				textTurn("recovered"),
			)
			tools := weatherToolset()
			e, err := New(model, tools, testConfig())
			require.NoError(t, err)

			events := drain(t, e.Run(t.Context(), "weather"))
			require.Equal(t, EventToolCallError, events[0].Type)
			require.Equal(t, ErrInvalidArguments, events[0].Kind)
			require.Equal(t, EventFinalResult, events[len(events)-1].Type)
			require.Empty(t, tools.invocations())
		})
	}
}

func TestRunIterationLimit(t *testing.T) {
	const maxIterations = 3

	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
	)
	tools := weatherToolset()
	cfg := testConfig()
	cfg.MaxIterations = maxIterations
	e, err := New(model, tools, cfg)
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "loop forever"))

	started := 0
	for _, ev := range events {
		if ev.Type == EventToolCallStarted {
			started++
		}
	}
	require.Equal(t, maxIterations, started)
	require.Equal(t, maxIterations, model.modelCalls())

	last := events[len(events)-1]
	require.Equal(t, EventRunError, last.Type)
	require.Equal(t, ErrIterationLimit, last.Kind)
}

func TestRunRetriesExhausted(t *testing.T) {
	const maxToolRetries = 2

	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
		toolTurn(call("c2", "weather_get_weather", `{"city":"Oslo"}`)),
		toolTurn(call("c3", "weather_get_weather", `{"city":"Oslo"}`)),
		textTurn("giving up on the tool"),
	)
	tools := weatherToolset()
	tools.invoke = func(string, []byte) (string, error) {
		return "", errors.New("backend unavailable")
	}
	cfg := testConfig()
	cfg.MaxToolRetries = maxToolRetries
	e, err := New(model, tools, cfg)
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "weather in Oslo"))

	var kinds []ErrorKind
	for _, ev := range events {
		if ev.Type == EventToolCallError {
			kinds = append(kinds, ev.Kind)
		}
	}
	// maxToolRetries recoverable failures, then exhaustion on the
	// (maxToolRetries+1)-th failure of the same lineage, not before.
	require.Equal(t, []ErrorKind{ErrToolExecution, ErrToolExecution, ErrRetriesExhausted}, kinds)
	require.Len(t, tools.invocations(), maxToolRetries+1)

	// The run is not aborted: the model answered after abandoning the tool.
	require.Equal(t, EventFinalResult, events[len(events)-1].Type)
}

func TestRunAbandonedLineageIsNotReExecuted(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
		toolTurn(call("c2", "weather_get_weather", `{"city":"Oslo"}`)),
		textTurn("ok"),
	)
	tools := weatherToolset()
	tools.invoke = func(string, []byte) (string, error) {
		return "", errors.New("backend unavailable")
	}
	cfg := testConfig()
	cfg.MaxToolRetries = 0
	e, err := New(model, tools, cfg)
	require.NoError(t, err)

	drain(t, e.Run(t.Context(), "weather"))
	// One failed execution abandons the lineage; the reissue is refused
	// without reaching the toolset.
	require.Len(t, tools.invocations(), 1)
}

func TestRunDifferentArgumentsAreFreshLineages(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
		toolTurn(call("c2", "weather_get_weather", `{"city":"Bergen"}`)),
		textTurn("ok"),
	)
	tools := weatherToolset()
	tools.invoke = func(string, []byte) (string, error) {
		return "", errors.New("backend unavailable")
	}
	cfg := testConfig()
	cfg.MaxToolRetries = 0
	e, err := New(model, tools, cfg)
	require.NoError(t, err)

	drain(t, e.Run(t.Context(), "weather"))
	// Adjusted arguments start a new lineage and are executed.
	require.Len(t, tools.invocations(), 2)
}

func TestRunTimeoutBeforeFirstIteration(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
	)
	tools := weatherToolset()
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	// Clock that is already past the deadline when the loop first checks.
	start := time.Now()
	ticks := 0
	e.now = func() time.Time {
		ticks++
		if ticks == 1 {
			return start
		}
		return start.Add(2 * e.cfg.Timeout)
	}

	events := drain(t, e.Run(t.Context(), "weather"))
	require.Len(t, events, 1)
	require.Equal(t, EventRunError, events[0].Type)
	require.Equal(t, ErrTimeout, events[0].Kind)
	require.Zero(t, model.modelCalls())
	require.Empty(t, tools.invocations())
}

func TestRunTimeoutBlocksNextToolInvocation(t *testing.T) {
	model := newScriptedModel(
		toolTurn(
			call("c1", "weather_get_weather", `{"city":"Oslo"}`),
			call("c2", "weather_get_weather", `{"city":"Bergen"}`),
		),
	)
	tools := weatherToolset()
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	// Deadline passes while the first tool call is in flight: it completes,
	// the second never starts.
	start := time.Now()
	var mu sync.Mutex
	expired := false
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		if expired {
			return start.Add(2 * e.cfg.Timeout)
		}
		return start
	}
	tools.invoke = func(string, []byte) (string, error) {
		mu.Lock()
		expired = true
		mu.Unlock()
		return `{"temp":5}`, nil
	}

	events := drain(t, e.Run(t.Context(), "weather"))
	require.Equal(t, []string{"weather_get_weather"}, tools.invocations())
	last := events[len(events)-1]
	require.Equal(t, EventRunError, last.Type)
	require.Equal(t, ErrTimeout, last.Kind)

	// The completed invocation still produced its result event first.
	require.Equal(t, []EventType{
		EventToolCallStarted,
		EventToolCallResult,
		EventRunError,
	}, eventTypes(events))
}

func TestRunModelErrorIsTerminal(t *testing.T) {
	t.Run("stream start fails", func(t *testing.T) {
		model := &scriptedModel{}
		e, err := New(model, weatherToolset(), testConfig())
		require.NoError(t, err)

		events := drain(t, e.Run(t.Context(), "task"))
		require.Len(t, events, 1)
		require.Equal(t, ErrModel, events[0].Kind)
	})

	t.Run("error part mid-stream", func(t *testing.T) {
		model := newScriptedModel([]proto.Part{
			{Type: proto.PartTextDelta, Text: "partial"},
			{Type: proto.PartError, Err: errors.New("connection reset")},
		})
		e, err := New(model, weatherToolset(), testConfig())
		require.NoError(t, err)

		events := drain(t, e.Run(t.Context(), "task"))
		last := events[len(events)-1]
		require.Equal(t, EventRunError, last.Type)
		require.Equal(t, ErrModel, last.Kind)
		require.Contains(t, last.Err, "connection reset")
	})
}

func TestRunToolDiscoveryFailureIsTerminal(t *testing.T) {
	model := newScriptedModel(textTurn("unused"))
	tools := weatherToolset()
	tools.listErr = errors.New("server offline")
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "task"))
	require.Len(t, events, 1)
	require.Equal(t, EventRunError, events[0].Type)
	require.Zero(t, model.modelCalls())
}

func TestRunEventOrdering(t *testing.T) {
	model := newScriptedModel(
		toolTurn(
			call("a", "weather_get_weather", `{"city":"Oslo"}`),
			call("b", "weather_get_weather", `{"city":"Bergen"}`),
		),
		textTurn("done"),
	)
	e, err := New(model, weatherToolset(), testConfig())
	require.NoError(t, err)

	events := drain(t, e.Run(t.Context(), "weather"))

	started := map[string]int{}
	for i, ev := range events {
		switch ev.Type {
		case EventToolCallStarted:
			started[ev.CallID] = i
		case EventToolCallResult, EventToolCallError:
			at, ok := started[ev.CallID]
			require.True(t, ok, "result for %q before its start", ev.CallID)
			require.Less(t, at, i)
		}
	}

	// Arrival order is preserved, never reordered.
	var order []string
	for _, ev := range events {
		if ev.Type == EventToolCallStarted {
			order = append(order, ev.CallID)
		}
	}
	require.Equal(t, []string{"a", "b"}, order)
}

func TestRunDeterministicEventSequences(t *testing.T) {
	script := func() *scriptedModel {
		return newScriptedModel(
			toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
			textTurn("5", "°C"),
		)
	}

	runOnce := func() []Event {
		e, err := New(script(), weatherToolset(), testConfig())
		require.NoError(t, err)
		events := drain(t, e.Run(t.Context(), "weather in Oslo"))
		for i := range events {
			events[i].RunID = "" // timing/identity fields excluded
		}
		return events
	}

	require.Equal(t, runOnce(), runOnce())
}

func TestRunExactlyOneTerminalEvent(t *testing.T) {
	scripts := map[string]*scriptedModel{
		"final":           newScriptedModel(textTurn("ok")),
		"iteration limit": newScriptedModel(toolTurn(call("c", "weather_get_weather", `{"city":"Oslo"}`))),
	}
	for name, model := range scripts {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxIterations = 2
			e, err := New(model, weatherToolset(), cfg)
			require.NoError(t, err)

			events := drain(t, e.Run(t.Context(), "task"))
			terminals := 0
			for i, ev := range events {
				if ev.Terminal() {
					terminals++
					require.Equal(t, len(events)-1, i, "terminal event must be last")
				}
			}
			require.Equal(t, 1, terminals)
		})
	}
}

func TestStreamCloseStopsScheduling(t *testing.T) {
	release := make(chan struct{})
	model := newScriptedModel(
		toolTurn(
			call("c1", "weather_get_weather", `{"city":"Oslo"}`),
			call("c2", "weather_get_weather", `{"city":"Bergen"}`),
		),
	)
	tools := weatherToolset()
	tools.invoke = func(string, []byte) (string, error) {
		<-release
		return `{"temp":5}`, nil
	}
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	s := e.Run(t.Context(), "weather")
	require.True(t, s.Next())
	require.Equal(t, EventToolCallStarted, s.Current().Type)

	// Abandon the stream while the first invocation is in flight, then let
	// it finish. Its result is discarded and the second call never starts.
	require.NoError(t, s.Close())
	close(release)

	require.Eventually(t, func() bool {
		return len(tools.invocations()) == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"weather_get_weather"}, tools.invocations())
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
	)
	tools := weatherToolset()
	tools.invoke = func(string, []byte) (string, error) {
		cancel()
		return `{"temp":5}`, nil
	}
	e, err := New(model, tools, testConfig())
	require.NoError(t, err)

	events := drain(t, e.Run(ctx, "weather"))
	// The in-flight result is discarded; no terminal event is forced on a
	// consumer that is already gone.
	for _, ev := range events {
		require.NotEqual(t, EventToolCallResult, ev.Type)
	}
}

func TestRunQuerySurfacesRunError(t *testing.T) {
	model := newScriptedModel(
		toolTurn(call("c1", "weather_get_weather", `{"city":"Oslo"}`)),
	)
	cfg := testConfig()
	cfg.MaxIterations = 1
	e, err := New(model, weatherToolset(), cfg)
	require.NoError(t, err)

	_, err = e.RunQuery(t.Context(), "weather")
	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, ErrIterationLimit, runErr.Kind)
}

func TestRunQueryStreamSharesRunContract(t *testing.T) {
	model := newScriptedModel(textTurn("hello", " world"))
	e, err := New(model, weatherToolset(), testConfig())
	require.NoError(t, err)

	var got []string
	for ev := range e.RunQueryStream(t.Context(), "greet").All() {
		if ev.Type == EventTextDelta {
			got = append(got, ev.Text)
		}
	}
	require.Equal(t, []string{"hello", " world"}, got)
}

func TestLineageKeyNormalizesArguments(t *testing.T) {
	a := lineageKey("tool", json.RawMessage(`{"city": "Oslo"}`))
	b := lineageKey("tool", json.RawMessage(`{"city":"Oslo"}`))
	c := lineageKey("tool", json.RawMessage(`{"city":"Bergen"}`))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

type modelFunc func(ctx context.Context, req proto.Request) (iter.Seq[proto.Part], error)

func (f modelFunc) Stream(ctx context.Context, req proto.Request) (iter.Seq[proto.Part], error) {
	return f(ctx, req)
}

func TestResumeSeedsHistory(t *testing.T) {
	var seen []proto.Message
	model := modelFunc(func(_ context.Context, req proto.Request) (iter.Seq[proto.Part], error) {
		seen = req.Messages
		return func(yield func(proto.Part) bool) {
			yield(proto.Part{Type: proto.PartTextDelta, Text: "22C, same as yesterday"})
		}, nil
	})
	e, err := New(model, weatherToolset(), testConfig(), WithSystemPrompt("be brief"))
	require.NoError(t, err)

	history := []proto.Message{
		{Role: proto.RoleUser, Content: "weather in Oslo?"},
		{Role: proto.RoleAssistant, Content: "Sunny, 22C."},
	}
	events := drain(t, e.Resume(t.Context(), history, "and tomorrow?"))
	require.Equal(t, EventFinalResult, events[len(events)-1].Type)

	require.Equal(t, []proto.Message{
		{Role: proto.RoleSystem, Content: "be brief"},
		{Role: proto.RoleUser, Content: "weather in Oslo?"},
		{Role: proto.RoleAssistant, Content: "Sunny, 22C."},
		{Role: proto.RoleUser, Content: "and tomorrow?"},
	}, seen)
}
