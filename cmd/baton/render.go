package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/task"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// colorEnabled reports whether f is a terminal and NO_COLOR is unset.
func colorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Theme holds the CLI styles. The zero-colour theme renders plain text.
type Theme struct {
	Header lipgloss.Style
	Muted  lipgloss.Style
	Status map[string]lipgloss.Style
}

// newTheme returns the coloured theme, or a plain one when color is false.
func newTheme(color bool) Theme {
	if !color {
		return Theme{Header: lipgloss.NewStyle(), Muted: lipgloss.NewStyle(), Status: map[string]lipgloss.Style{}}
	}
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return Theme{
		Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Muted:  fg("240"),
		Status: map[string]lipgloss.Style{
			string(task.StatusQueued):     fg("14"),
			string(task.StatusClaimed):    fg("11"),
			string(task.StatusInProgress): fg("12"),
			string(task.StatusBlocked):    fg("208"),
			string(task.StatusDone):       fg("10"),
			string(task.StatusFailed):     fg("9"),
			string(task.StatusCanceled):   fg("240"),
			"online":                      fg("10"),
			"offline":                     fg("240"),
			"open":                        fg("11"),
			"accepted":                    fg("12"),
			"completed":                   fg("10"),
		},
	}
}

var titler = cases.Title(language.English)

// heading turns a snake_case identifier into a title, e.g. "In Progress".
func heading(s string) string {
	return titler.String(strings.ReplaceAll(s, "_", " "))
}

func (t Theme) status(s string) string {
	if st, ok := t.Status[s]; ok {
		return st.Render(s)
	}
	return s
}

// table renders rows under headers with columns padded to the widest cell.
func (t Theme) table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(int, string) string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			parts[i] = style(i, cell) + pad
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}
	line(headers, func(_ int, c string) string { return t.Header.Render(strings.ToUpper(c)) })
	for _, row := range rows {
		line(row, func(_ int, c string) string { return c })
	}
	return b.String()
}

// ago formats how long before now ts was, at second precision.
func ago(now, ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return now.Sub(ts).Truncate(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func tasksTable(t Theme, tasks []*task.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, tk := range tasks {
		rows = append(rows, []string{
			tk.ID,
			t.status(string(tk.Status)),
			string(tk.Priority),
			orDash(tk.Assignee),
			tk.Title,
		})
	}
	return t.table([]string{"id", "status", "priority", "assignee", "title"}, rows)
}

// taskDetail renders one task as aligned "Field: value" lines.
func taskDetail(t Theme, tk *task.Task) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		label := heading(name) + ":"
		fmt.Fprintf(&b, "%s%s %s\n", t.Header.Render(label), strings.Repeat(" ", max(0, 15-len(label))), value)
	}
	field("id", tk.ID)
	field("title", tk.Title)
	field("status", t.status(string(tk.Status)))
	field("priority", string(tk.Priority))
	field("assignee", tk.Assignee)
	field("version", fmt.Sprint(tk.Version))
	field("depends_on", strings.Join(tk.DependsOn, ", "))
	field("labels", strings.Join(tk.Labels, ", "))
	field("reserved", tk.Reserved)
	field("blocked_reason", tk.BlockedReason)
	field("result", tk.Result)
	field("error", tk.Error)
	field("description", tk.Description)
	return b.String()
}
