package proto

import "strings"

// Conversation is a transcript prepared for display. System and tool turns
// are omitted; user turns render as quotes so replays read like a dialogue.
type Conversation []Message

func (c Conversation) String() string {
	var sb strings.Builder
	for _, msg := range c {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("> " + strings.ReplaceAll(strings.TrimSpace(msg.Content), "\n", "\n> "))
			sb.WriteString("\n\n")
		case RoleAssistant:
			if msg.Content != "" {
				sb.WriteString(msg.Content)
				sb.WriteString("\n\n")
			}
		case RoleSystem, RoleTool:
		}
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
