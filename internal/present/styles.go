package present

import "github.com/charmbracelet/lipgloss"

// Styles are the shared terminal styles for machine's CLI output.
type Styles struct {
	AppName      lipgloss.Style
	CliArgs      lipgloss.Style
	Comment      lipgloss.Style
	ErrorHeader  lipgloss.Style
	ErrorDetails lipgloss.Style
	InlineCode   lipgloss.Style
	Link         lipgloss.Style
	ID           lipgloss.Style
	Title        lipgloss.Style
	Timeago      lipgloss.Style
	Tool         lipgloss.Style
	ToolError    lipgloss.Style
}

// MakeStyles builds the style set for the given renderer, so colors adapt to
// the profile of the stream they are written to.
func MakeStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		AppName:      r.NewStyle().Bold(true),
		CliArgs:      r.NewStyle().Foreground(lipgloss.Color("#585858")),
		Comment:      r.NewStyle().Foreground(lipgloss.Color("#757575")),
		ErrorHeader:  r.NewStyle().Foreground(lipgloss.Color("#F1F1F1")).Background(lipgloss.Color("#FF5F87")).Bold(true).Padding(0, 1).SetString("ERROR"),
		ErrorDetails: r.NewStyle().Foreground(lipgloss.Color("#757575")),
		InlineCode:   r.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Background(lipgloss.Color("#3A3A3A")).Padding(0, 1),
		Link:         r.NewStyle().Foreground(lipgloss.Color("#00AF87")).Underline(true),
		ID:           r.NewStyle().Foreground(lipgloss.Color("#E3B341")),
		Title:        r.NewStyle(),
		Timeago:      r.NewStyle().Foreground(lipgloss.Color("#757575")),
		Tool:         r.NewStyle().Foreground(lipgloss.Color("#00AF87")),
		ToolError:    r.NewStyle().Foreground(lipgloss.Color("#FF5F87")),
	}
}
