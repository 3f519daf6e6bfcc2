package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/engine"
	"github.com/machinecore/machine/internal/proto"
)

func testCmdConfig() config.Config {
	cfg := config.Default()
	cfg.CachePath = ""
	return cfg
}

func TestTranscriptRebuildsConversation(t *testing.T) {
	history := []proto.Message{
		{Role: proto.RoleUser, Content: "hi"},
		{Role: proto.RoleAssistant, Content: "hello"},
	}
	rec := newTranscript(history, "weather in Oslo?")

	rec.toolStarted(engine.Event{
		Type: engine.EventToolCallStarted,
		Tool: "weather_get_weather", CallID: "c1",
		Args: json.RawMessage(`{"city":"Oslo"}`),
	})
	rec.toolResult(engine.Event{
		Type: engine.EventToolCallResult,
		Tool: "weather_get_weather", CallID: "c1",
		Text: "Sunny, 22C",
	})
	rec.final("It is sunny and 22C in Oslo.")

	msgs := rec.messages()
	require.Len(t, msgs, 6)
	require.Equal(t, history, msgs[:2])
	require.Equal(t, proto.Message{Role: proto.RoleUser, Content: "weather in Oslo?"}, msgs[2])

	require.Equal(t, proto.RoleAssistant, msgs[3].Role)
	require.Len(t, msgs[3].ToolCalls, 1)
	require.Equal(t, "weather_get_weather", msgs[3].ToolCalls[0].Function.Name)

	require.Equal(t, proto.RoleTool, msgs[4].Role)
	require.Equal(t, "Sunny, 22C", msgs[4].Content)
	require.False(t, msgs[4].ToolCalls[0].IsError)

	require.Equal(t, proto.Message{Role: proto.RoleAssistant, Content: "It is sunny and 22C in Oslo."}, msgs[5])
}

func TestTranscriptRecordsToolFailures(t *testing.T) {
	rec := newTranscript(nil, "task")
	rec.toolError(engine.Event{
		Type: engine.EventToolCallError,
		Tool: "weather_get_weather", CallID: "c1",
		Kind: engine.ErrToolExecution, Err: "boom",
	})
	rec.final("done")

	msgs := rec.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, proto.RoleTool, msgs[1].Role)
	require.True(t, msgs[1].ToolCalls[0].IsError)
	require.Equal(t, "boom", msgs[1].Content)
}

func TestReasonForKind(t *testing.T) {
	require.Equal(t, "The run timed out.", reasonForKind(engine.ErrTimeout))
	require.Equal(t, "The run hit its iteration limit without a final answer.", reasonForKind(engine.ErrIterationLimit))
	require.Equal(t, "The model request failed.", reasonForKind(engine.ErrModel))
	require.Equal(t, "A tool call failed.", reasonForKind(engine.ErrRetriesExhausted))
}

func TestCompactArgs(t *testing.T) {
	require.Empty(t, compactArgs(nil))
	require.Equal(t, `{"a":1}`, compactArgs(json.RawMessage(`{"a":1}`)))

	long := make(json.RawMessage, 200)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, []rune(compactArgs(long)), 81)
}
