// Package present holds terminal rendering helpers shared by the CLI
// commands: TTY detection, lipgloss styles, and markdown output.
package present

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// stream bundles the renderer and style set of one output stream so color
// profile detection runs once per fd.
type stream struct {
	renderer *lipgloss.Renderer
	styles   Styles
}

var stdout = sync.OnceValue(func() stream {
	r := lipgloss.DefaultRenderer()
	return stream{renderer: r, styles: MakeStyles(r)}
})

var stderr = sync.OnceValue(func() stream {
	r := lipgloss.NewRenderer(os.Stderr, termenv.WithColorCache(true))
	return stream{renderer: r, styles: MakeStyles(r)}
})

var inputIsTTY = sync.OnceValue(func() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
})

var outputIsTTY = sync.OnceValue(func() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
})

// IsInputTTY reports whether stdin is a TTY.
func IsInputTTY() bool { return inputIsTTY() }

// IsOutputTTY reports whether stdout is a TTY.
func IsOutputTTY() bool { return outputIsTTY() }

// StdoutRenderer returns a lipgloss renderer bound to stdout.
func StdoutRenderer() *lipgloss.Renderer { return stdout().renderer }

// StdoutStyles returns shared styles bound to stdout.
func StdoutStyles() Styles { return stdout().styles }

// StderrRenderer returns a lipgloss renderer bound to stderr.
func StderrRenderer() *lipgloss.Renderer { return stderr().renderer }

// StderrStyles returns shared styles bound to stderr.
func StderrStyles() Styles { return stderr().styles }
