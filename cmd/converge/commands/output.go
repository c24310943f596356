package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/converge/pkg/engine"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table renders rows in aligned columns. Cells may carry lipgloss styling;
// widths are measured on the rendered text.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if style != nil {
				c = style.Render(c)
			}
			if i < len(cells)-1 {
				c = lipgloss.NewStyle().Width(widths[i] + 2).Render(c)
			}
			parts[i] = c
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, ""), " "))
	}
	line(t.header, &headerStyle)
	for _, row := range t.rows {
		line(row, nil)
	}
}

func stateCell(r *engine.ResourceReport) string {
	switch {
	case r.State == engine.ResourceStateFailed && r.Ignored:
		return changedStyle.Render("failed (ignored)")
	case r.State == engine.ResourceStateFailed:
		return failStyle.Render("failed")
	case r.Updated:
		return changedStyle.Render("updated")
	case r.State == engine.ResourceStateSkipped:
		return dimStyle.Render("skipped")
	default:
		return okStyle.Render("up to date")
	}
}

func outcomeCell(outcome string) string {
	switch engine.Outcome(outcome) {
	case engine.OutcomeSucceeded:
		return okStyle.Render(outcome)
	case engine.OutcomeFailed:
		return failStyle.Render(outcome)
	default:
		return changedStyle.Render(outcome)
	}
}

// printStatus writes the per-resource report and the run summary.
func printStatus(w io.Writer, status *engine.RunStatus) {
	t := &table{header: []string{"RESOURCE", "ACTION", "PROVIDER", "STATE", "DURATION"}}
	for _, r := range status.Reports {
		t.add(r.Resource.String(), string(r.Action), r.Provider, stateCell(r), formatDuration(r.Duration))
	}
	t.write(w)

	for _, r := range status.Reports {
		if len(r.Converged) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s %s\n", headerStyle.Render(r.Resource.String()), dimStyle.Render("("+string(r.Action)+")"))
		for _, c := range r.Converged {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}

	prefix := "Run"
	if status.WhyRun {
		prefix = "Why-run"
	}
	summary := fmt.Sprintf("%s %s: %s in %s", prefix, status.RunID, status.String(), formatDuration(status.Duration()))
	style := changedStyle
	switch status.Outcome {
	case engine.OutcomeSucceeded:
		style = okStyle
	case engine.OutcomeFailed:
		style = failStyle
	}
	fmt.Fprintf(w, "\n%s\n", style.Render(summary))
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
