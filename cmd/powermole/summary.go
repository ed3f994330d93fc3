package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/khr0x40sh/powermolecli/internal/session"
)

// printSummary renders the per-item session report and final outcome.
func printSummary(w io.Writer, res session.Result) {
	var (
		title = lipgloss.NewStyle().Bold(true)
		good  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
		bad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
		dim   = lipgloss.NewStyle().Faint(true)
	)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		plain := lipgloss.NewStyle()
		title, good, bad, dim = plain, plain, plain, plain
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.Render("session summary"))

	for _, item := range res.Report.Items {
		mark, style := "✓", good
		if !item.OK {
			mark, style = "✗", bad
		}
		line := fmt.Sprintf("  %s %s  %s", mark, item.Name, item.Status)
		fmt.Fprintln(w, style.Render(line))
		if item.Detail != "" {
			fmt.Fprintln(w, dim.Render("      "+item.Detail))
		}
	}
	if len(res.Report.Items) == 0 {
		fmt.Fprintln(w, dim.Render("  no operations performed"))
	}

	outcome := good
	if res.Outcome != session.OutcomeSuccess {
		outcome = bad
	}
	fmt.Fprintf(w, "\n%s %s\n", title.Render("outcome:"), outcome.Render(res.Outcome.String()))
	if res.Err != nil {
		fmt.Fprintln(w, dim.Render("  "+res.Err.Error()))
	}
}
