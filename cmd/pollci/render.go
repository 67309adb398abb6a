package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pollci/internal/core"
	"pollci/internal/history"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(core.RunSuccess): // core.StageSuccess has the same value ("success")
		return okStyle
	case string(core.RunFailed), string(core.StageFailure), string(core.RunAborted):
		return failStyle
	default:
		return dimStyle
	}
}

func cell(s string, width int, style lipgloss.Style) string {
	if len(s) > width-1 {
		s = s[:width-2] + "…"
	}
	return style.Width(width).Render(s)
}

// renderRun prints a stage-by-stage summary of one run.
func renderRun(w io.Writer, run *core.Run) {
	fmt.Fprintf(w, "%s %s #%d %s\n",
		headerStyle.Render("run"),
		run.Pipeline,
		run.Number,
		statusStyle(string(run.Status)).Render(string(run.Status)),
	)
	for _, st := range run.Stages {
		line := cell(st.Name, 28, lipgloss.NewStyle()) + cell(string(st.Status), 10, statusStyle(string(st.Status)))
		if st.Duration > 0 {
			line += dimStyle.Render(st.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, "  "+line)
		for _, rep := range st.Issues {
			fmt.Fprintf(w, "    %s %s: %d errors, %d warnings\n", dimStyle.Render("issues"), rep.Tool, rep.Errors, rep.Warnings)
		}
		for _, p := range st.Post {
			if p.Error != "" {
				fmt.Fprintf(w, "    %s %s\n", warnStyle.Render("post "+string(p.Kind)+" failed:"), p.Error)
			}
		}
	}
	if run.Error != "" {
		fmt.Fprintf(w, "%s %s\n", failStyle.Render("error:"), run.Error)
	}
	if run.Warning != "" {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning:"), run.Warning)
	}
}

// renderHistory prints entries as a table, in the order given.
func renderHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs recorded"))
		return
	}
	header := cell("#", 6, headerStyle) +
		cell("STATUS", 10, headerStyle) +
		cell("PIPELINE", 20, headerStyle) +
		cell("STARTED", 22, headerStyle) +
		cell("DURATION", 12, headerStyle) +
		headerStyle.Render("DETAIL")
	fmt.Fprintln(w, header)

	for _, e := range entries {
		var detail []string
		if e.FailedStage != "" {
			detail = append(detail, "stage "+e.FailedStage)
		} else if e.Cause != "" {
			detail = append(detail, e.Cause)
		}
		if e.Warning != "" {
			detail = append(detail, warnStyle.Render("warning"))
		}
		duration := ""
		if !e.FinishedAt.IsZero() {
			duration = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintln(w,
			cell(fmt.Sprintf("%d", e.Number), 6, lipgloss.NewStyle())+
				cell(e.Status, 10, statusStyle(e.Status))+
				cell(e.Pipeline, 20, lipgloss.NewStyle())+
				cell(e.StartedAt.Local().Format("2006-01-02 15:04:05"), 22, dimStyle)+
				cell(duration, 12, lipgloss.NewStyle())+
				strings.Join(detail, ", "),
		)
	}
}
