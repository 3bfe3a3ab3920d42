// Package ui holds the shared look of the ordinaut CLI: the brand
// mark, status symbols, and the lipgloss styles the commands and the
// startup spinner render with.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// BrandEmoji fronts ordinaut banner lines. An alarm clock, for a
// scheduler.
const BrandEmoji = "⏰"

// ANSI 4-bit colors; lipgloss degrades them cleanly on basic terminals.
var (
	ColorCyan  = lipgloss.Color("6")
	ColorGreen = lipgloss.Color("2")
	ColorRed   = lipgloss.Color("1")
)

var (
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)
	StyleBoldRed = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	StyleHint    = lipgloss.NewStyle().Faint(true)
)

// Step and suggestion markers.
const (
	SymbolCheck = "✓"
	SymbolCross = "✗"
	SymbolArrow = "→"
)

var (
	forcedRenderer     *lipgloss.Renderer
	forcedRendererOnce sync.Once
)

// ForcedRenderer returns a renderer that always emits ANSI escapes,
// bypassing terminal detection. For callers that have already decided
// color is on; the default renderer would strip escapes off-TTY.
func ForcedRenderer() *lipgloss.Renderer {
	forcedRendererOnce.Do(func() {
		forcedRenderer = lipgloss.NewRenderer(os.Stderr)
		forcedRenderer.SetColorProfile(termenv.ANSI)
	})
	return forcedRenderer
}

// ColorEnabled reports whether stderr is a color-capable TTY.
// Honors NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
