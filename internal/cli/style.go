package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"agentdesk/internal/run"
	"agentdesk/internal/workspace"
)

type theme struct {
	title    lipgloss.Style
	muted    lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	err      lipgloss.Style
	tool     lipgloss.Style
	added    lipgloss.Style
	removed  lipgloss.Style
	approval lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	amber := lipgloss.Color("#ffb86c")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		title:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(muted),
		ok:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		warn:    lipgloss.NewStyle().Foreground(amber),
		err:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		tool:    lipgloss.NewStyle().Foreground(muted).Italic(true),
		added:   lipgloss.NewStyle().Foreground(mint),
		removed: lipgloss.NewStyle().Foreground(pink),
		approval: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(amber).
			Padding(0, 1),
	}
}

func (t theme) status(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return t.ok.Render(string(s))
	case run.StatusError:
		return t.err.Render(string(s))
	case run.StatusCancelled:
		return t.warn.Render(string(s))
	default:
		return t.title.Render(string(s))
	}
}

func (t theme) level(l workspace.Level) lipgloss.Style {
	switch l {
	case workspace.LevelError:
		return t.err
	case workspace.LevelWarning:
		return t.warn
	default:
		return t.muted
	}
}

// interactive reports whether stdin is a terminal a user can answer on.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
