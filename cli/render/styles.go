package render

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// styles holds the table styles bound to one output. Color detection
// follows the writer, so non-terminal output stays plain.
type styles struct {
	key    lipgloss.Style
	header lipgloss.Style
}

func newStyles(out io.Writer, noColor bool) styles {
	if noColor {
		plain := lipgloss.NewStyle()
		return styles{key: plain, header: plain}
	}
	r := lipgloss.NewRenderer(out)
	return styles{
		key:    r.NewStyle().Foreground(mutedColor),
		header: r.NewStyle().Bold(true).Foreground(primaryColor),
	}
}
