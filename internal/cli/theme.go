package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type theme struct {
	title  lipgloss.Style
	label  lipgloss.Style
	value  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	muted  lipgloss.Style
	accent lipgloss.Style
}

func newTheme(color bool) theme {
	if !color {
		plain := lipgloss.NewStyle()
		return theme{
			title:  plain,
			label:  plain,
			value:  plain,
			ok:     plain,
			warn:   plain,
			muted:  plain,
			accent: plain,
		}
	}

	accent := lipgloss.Color("#58d4ff")
	muted := lipgloss.Color("#9fb3c8")
	return theme{
		title:  lipgloss.NewStyle().Foreground(accent).Bold(true),
		label:  lipgloss.NewStyle().Faint(true),
		value:  lipgloss.NewStyle().Foreground(accent).Bold(true),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80")).Bold(true),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#fbbf24")),
		muted:  lipgloss.NewStyle().Foreground(muted),
		accent: lipgloss.NewStyle().Foreground(accent),
	}
}

func supportsColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	type fd interface {
		Fd() uintptr
	}
	f, ok := w.(fd)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (t theme) state(s string) string {
	switch s {
	case "active":
		return t.ok.Render(s)
	case "pending":
		return t.warn.Render(s)
	default:
		return t.muted.Render(s)
	}
}
