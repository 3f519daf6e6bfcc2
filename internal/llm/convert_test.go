package llm

import (
	"encoding/json"
	"testing"

	"charm.land/fantasy"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/machinecore/machine/internal/proto"
)

func TestToPrompt(t *testing.T) {
	prompt := toPrompt([]proto.Message{
		{Role: proto.RoleSystem, Content: "be brief"},
		{Role: proto.RoleUser, Content: "weather in Oslo?"},
		{
			Role: proto.RoleAssistant,
			ToolCalls: []proto.ToolCall{{
				ID: "c1",
				Function: proto.Function{
					Name:      "weather_get_weather",
					Arguments: json.RawMessage(`{"city":"Oslo"}`),
				},
			}},
		},
		{
			Role:      proto.RoleTool,
			Content:   "Sunny, 22C",
			ToolCalls: []proto.ToolCall{{ID: "c1", Function: proto.Function{Name: "weather_get_weather"}}},
		},
		{Role: proto.RoleAssistant, Content: "It is sunny."},
	})

	require.Len(t, prompt, 5)
	require.Equal(t, fantasy.MessageRoleSystem, prompt[0].Role)
	require.Equal(t, fantasy.MessageRoleUser, prompt[1].Role)

	require.Equal(t, fantasy.MessageRoleAssistant, prompt[2].Role)
	call, ok := prompt[2].Content[0].(fantasy.ToolCallPart)
	require.True(t, ok)
	require.Equal(t, "c1", call.ToolCallID)
	require.Equal(t, "weather_get_weather", call.ToolName)
	require.JSONEq(t, `{"city":"Oslo"}`, call.Input)

	require.Equal(t, fantasy.MessageRoleTool, prompt[3].Role)
	result, ok := prompt[3].Content[0].(fantasy.ToolResultPart)
	require.True(t, ok)
	require.Equal(t, "c1", result.ToolCallID)
	text, ok := result.Output.(fantasy.ToolResultOutputContentText)
	require.True(t, ok)
	require.Equal(t, "Sunny, 22C", text.Text)

	require.Equal(t, fantasy.MessageRoleAssistant, prompt[4].Role)
}

func TestToPromptToolError(t *testing.T) {
	prompt := toPrompt([]proto.Message{{
		Role:      proto.RoleTool,
		Content:   "boom",
		ToolCalls: []proto.ToolCall{{ID: "c1", IsError: true}},
	}})

	require.Len(t, prompt, 1)
	result, ok := prompt[0].Content[0].(fantasy.ToolResultPart)
	require.True(t, ok)
	failure, ok := result.Output.(fantasy.ToolResultOutputContentError)
	require.True(t, ok)
	require.EqualError(t, failure.Error, "boom")
}

func TestToPromptSkipsEmptyAssistantTurn(t *testing.T) {
	prompt := toPrompt([]proto.Message{{Role: proto.RoleAssistant}})
	require.Empty(t, prompt)
}

func TestToTools(t *testing.T) {
	tools := toTools(map[string][]mcp.Tool{
		"weather": {{
			Name:        "get_weather",
			Description: "Get the weather for a city.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"city": map[string]any{"type": "string"},
				},
				Required: []string{"city"},
			},
		}},
	})

	require.Len(t, tools, 1)
	ft, ok := tools[0].(fantasy.FunctionTool)
	require.True(t, ok)
	require.Equal(t, "weather_get_weather", ft.Name)
	require.Equal(t, "object", ft.InputSchema["type"])
	require.Equal(t, []string{"city"}, ft.InputSchema["required"])
}

func TestToolChoice(t *testing.T) {
	require.Nil(t, toolChoice(proto.Request{}))

	choice := toolChoice(proto.Request{Tools: map[string][]mcp.Tool{"weather": {{Name: "get_weather"}}}})
	require.NotNil(t, choice)
	require.Equal(t, fantasy.ToolChoiceAuto, *choice)
}
