package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"tapeback/internal/session"
)

// Styles
var (
	// Color palette - Tokyo Night inspired
	primaryColor    = lipgloss.Color("#7aa2f7") // blue
	successColor    = lipgloss.Color("#9ece6a") // green
	warningColor    = lipgloss.Color("#e0af68") // yellow
	errorColor      = lipgloss.Color("#f7768e") // red
	textColor       = lipgloss.Color("#c0caf5") // foreground
	dimColor        = lipgloss.Color("#565f89") // comment
	backgroundColor = lipgloss.Color("#1a1b26") // background

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			MarginBottom(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Background(backgroundColor).
			Padding(0, 1).
			MarginBottom(1)

	menuItemStyle = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(textColor)

	selectedMenuItemStyle = lipgloss.NewStyle().
				PaddingLeft(2).
				Foreground(backgroundColor).
				Background(primaryColor).
				Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	logStyle = lipgloss.NewStyle().
			Foreground(textColor)

	errorLineStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successLineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	warningBoxStyle = lipgloss.NewStyle().
			Foreground(backgroundColor).
			Background(warningColor).
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(warningColor)

	progressBarStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true).
			MarginTop(1)
)

// View implements tea.Model.View and renders the current screen.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(GetAppTitle()) + "\n")
	b.WriteString(statusStyle.Render(m.statusLine()) + "\n")

	switch m.screen {
	case screenMain:
		b.WriteString(m.viewMainMenu())
	case screenDeviceSelect:
		b.WriteString(m.viewDeviceSelect())
	case screenConfirm:
		b.WriteString(m.viewConfirm())
	case screenArchivePick:
		b.WriteString(m.viewArchivePick())
	case screenProgress:
		b.WriteString(m.viewProgress())
	case screenBrowse:
		b.WriteString(m.viewBrowse())
	}
	return b.String()
}

func (m Model) viewMainMenu() string {
	var b strings.Builder
	for i, entry := range mainMenu {
		if i == m.cursor {
			b.WriteString(selectedMenuItemStyle.Render("▸ "+entry.label) + "\n")
		} else {
			b.WriteString(menuItemStyle.Render("  "+entry.label) + "\n")
		}
	}
	b.WriteString(m.viewLogTail(8))
	b.WriteString(helpStyle.Render("↑/↓ move • enter select • q quit"))
	return b.String()
}

func (m Model) viewDeviceSelect() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tape devices") + "\n")
	if len(m.devices) == 0 {
		b.WriteString(dimStyle.Render("  No tape devices found under /dev/nst*.") + "\n")
		b.WriteString(dimStyle.Render("  Is the drive connected and the st driver loaded?") + "\n")
	}
	for i, dev := range m.devices {
		if i == m.cursor {
			b.WriteString(selectedMenuItemStyle.Render("▸ "+dev.DisplayName()) + "\n")
		} else {
			b.WriteString(menuItemStyle.Render("  "+dev.DisplayName()) + "\n")
		}
	}
	b.WriteString(helpStyle.Render("enter select • r rescan • esc back"))
	return b.String()
}

func (m Model) viewConfirm() string {
	var b strings.Builder
	b.WriteString(warningBoxStyle.Render(m.pending.confirm) + "\n\n")
	b.WriteString(helpStyle.Render("y confirm • n cancel"))
	return b.String()
}

func (m Model) viewArchivePick() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.pending.label) + "\n")
	b.WriteString(menuItemStyle.Render("Archive number (1 = first archive on tape): ") +
		selectedMenuItemStyle.Render(" "+m.archiveInput+"▌ ") + "\n")
	if m.sess.ArchiveCount > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d archive(s) written this session", m.sess.ArchiveCount)) + "\n")
	}
	b.WriteString(helpStyle.Render("digits enter • backspace • esc back"))
	return b.String()
}

func (m Model) viewProgress() string {
	var b strings.Builder
	job := m.sess.ActiveJob
	if job != nil {
		b.WriteString(titleStyle.Render(job.Kind.String()) + "\n")
	}
	b.WriteString(m.renderProgressBar() + "\n")
	b.WriteString(m.viewLogTail(m.logHeight()))

	if job == nil || job.Terminal() {
		switch {
		case job != nil && job.State == session.JobFailed:
			b.WriteString(errorLineStyle.Render("Operation failed.") + "\n")
		case job != nil && job.State == session.JobCancelled:
			b.WriteString(errorLineStyle.Render("Operation cancelled.") + "\n")
		default:
			b.WriteString(successLineStyle.Render("Done.") + "\n")
		}
		b.WriteString(helpStyle.Render("enter back to menu"))
	} else {
		b.WriteString(helpStyle.Render("c cancel"))
	}
	return b.String()
}

func (m Model) viewBrowse() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Archive #%d — %d entries", m.browseNum, len(m.browse))) + "\n")
	page := m.browsePageSize()
	end := m.browseOffset + page
	if end > len(m.browse) {
		end = len(m.browse)
	}
	for _, entry := range m.browse[m.browseOffset:end] {
		marker := "  "
		if entry.IsDir {
			marker = "▸ "
		}
		line := fmt.Sprintf("%s%-60s %12s", marker, truncate(entry.Path, 60), humanBytes(entry.Size))
		b.WriteString(logStyle.Render(line) + "\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ scroll • pgup/pgdn page • esc back"))
	return b.String()
}

// viewLogTail renders the last n operator log lines.
func (m Model) viewLogTail(n int) string {
	if len(m.log) == 0 {
		return ""
	}
	start := len(m.log) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	b.WriteString("\n")
	for _, line := range m.log[start:] {
		style := logStyle
		if strings.HasPrefix(line, "✗") {
			style = errorLineStyle
		}
		b.WriteString(style.Render(truncate(line, m.width-2)) + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// renderProgressBar draws the transfer bar: a percentage bar when the total
// is known, a byte counter otherwise.
func (m Model) renderProgressBar() string {
	width := m.width - 20
	if width < 20 {
		width = 20
	}
	if m.progressTotal > 0 {
		pct := float64(m.progressBytes) / float64(m.progressTotal)
		if pct > 1 {
			pct = 1
		}
		filled := int(pct * float64(width))
		bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
		return progressBarStyle.Render(fmt.Sprintf("%s %3.0f%%  %s / %s",
			bar, pct*100, humanBytes(m.progressBytes), humanBytes(m.progressTotal)))
	}
	if m.progressBytes > 0 {
		return progressBarStyle.Render(fmt.Sprintf("%s transferred  (%s)",
			humanBytes(m.progressBytes), m.progressElapsed.Round(time.Second)))
	}
	return progressBarStyle.Render("working…")
}

func (m Model) logHeight() int {
	h := m.height - 10
	if h < 4 {
		h = 4
	}
	return h
}

func (m Model) browsePageSize() int {
	h := m.height - 8
	if h < 5 {
		h = 5
	}
	return h
}

// humanBytes formats a byte count for display.
func humanBytes(n int64) string {
	switch {
	case n < 0:
		return "?"
	case n >= 1_000_000_000_000:
		return fmt.Sprintf("%.2f TB", float64(n)/1e12)
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2f GB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1f MB", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1f KB", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
