package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/felixgeelhaar/bringup/internal/domain/run"
)

// Title returns s with each word capitalized. Dashes separate words.
func Title(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "-", " "))
}

// StatusIcon returns the glyph shown next to a step status.
func StatusIcon(s run.Status) string {
	switch s {
	case run.StatusSucceeded:
		return "✓"
	case run.StatusFailed:
		return "✗"
	case run.StatusRunning:
		return "●"
	case run.StatusSkipped:
		return "↷"
	default:
		return "○"
	}
}

func (st Styles) status(s run.Status) lipgloss.Style {
	switch s {
	case run.StatusSucceeded:
		return st.Success
	case run.StatusFailed:
		return st.Error
	case run.StatusRunning:
		return st.Running
	case run.StatusSkipped:
		return st.Warning
	default:
		return st.Muted
	}
}

func (st Styles) phase(p run.Phase) lipgloss.Style {
	switch p {
	case run.PhaseCompleted:
		return st.Success
	case run.PhaseFailed:
		return st.Error
	case run.PhaseCleaned, run.PhasePending:
		return st.Muted
	default:
		return st.Running
	}
}

// RenderRun writes a run's header and its step table to w.
func RenderRun(w io.Writer, r *run.Run) error {
	st := NewStyles(w)
	var b strings.Builder

	b.WriteString(st.Title.Render("Run "+r.ID) + "  " + st.Subtitle.Render(r.Name) + "\n")
	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString("  " + st.Label.Render(label) + st.Value.Render(value) + "\n")
	}

	b.WriteString("  " + st.Label.Render("phase") + st.phase(r.Phase).Render(Title(string(r.Phase))) + "\n")
	field("resource", describeHandle(r.Handle))
	field("manifest", r.Manifest)
	field("created", r.CreatedAt.Format(time.RFC3339))
	field("updated", r.UpdatedAt.Format(time.RFC3339))
	field("previous", r.PreviousRunID)
	if r.Error != "" {
		b.WriteString("  " + st.Label.Render("error") + st.Error.Render(firstLine(r.Error)) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(renderSteps(st, r))
	b.WriteString("\n" + summary(st, r) + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func renderSteps(st Styles, r *run.Run) string {
	headers := []string{"STEP", "STATUS", "ATTEMPTS", "DURATION"}
	rows := make([][]string, 0, len(r.Order))
	recs := make([]*run.StepRecord, 0, len(r.Order))
	for _, id := range r.Order {
		rec, ok := r.Records[id]
		if !ok {
			continue
		}
		duration := "-"
		if d := rec.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		rows = append(rows, []string{
			string(id),
			StatusIcon(rec.Status) + " " + string(rec.Status),
			fmt.Sprintf("%d", rec.Attempts),
			duration,
		})
		recs = append(recs, rec)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(st.Header.Width(widths[i] + 2).Render(h))
	}
	b.WriteString("\n")
	for n, row := range rows {
		rec := recs[n]
		for i, cell := range row {
			style := st.Cell
			if i == 1 {
				style = st.status(rec.Status).PaddingRight(2)
			}
			b.WriteString(style.Width(widths[i] + 2).Render(cell))
		}
		b.WriteString("\n")
		if detail := recordDetail(rec); detail != "" {
			b.WriteString(st.Detail.Render(detail) + "\n")
		}
	}
	return b.String()
}

func recordDetail(rec *run.StepRecord) string {
	switch {
	case rec.Status == run.StatusSkipped && rec.SkipReason != "":
		return rec.SkipReason
	case rec.LastFailure != nil && rec.Status != run.StatusSucceeded:
		return firstLine(rec.LastFailure.Error())
	case rec.Interrupted:
		return "interrupted"
	default:
		return ""
	}
}

func summary(st Styles, r *run.Run) string {
	counts := r.Summary()
	parts := make([]string, 0, 5)
	for _, s := range []run.Status{run.StatusSucceeded, run.StatusSkipped, run.StatusFailed, run.StatusRunning, run.StatusPending} {
		if counts[s] == 0 {
			continue
		}
		parts = append(parts, st.status(s).Render(fmt.Sprintf("%d %s", counts[s], s)))
	}
	return strings.Join(parts, st.Muted.Render(" · "))
}

func describeHandle(h *run.ResourceHandle) string {
	if h == nil {
		return ""
	}
	var parts []string
	if h.Provider != "" {
		parts = append(parts, h.Provider)
	}
	name := h.Name
	if h.ResourceGroup != "" {
		name = h.ResourceGroup + "/" + h.Name
	}
	parts = append(parts, name)
	if h.Lifecycle != run.LifecycleNone {
		parts = append(parts, "("+string(h.Lifecycle)+")")
	}
	if h.PublicIP != "" {
		parts = append(parts, h.PublicIP)
	}
	return strings.Join(parts, " ")
}

// RenderList writes one line per run to w.
func RenderList(w io.Writer, runs []*run.Run) error {
	st := NewStyles(w)
	if len(runs) == 0 {
		_, err := io.WriteString(w, st.Muted.Render("No runs recorded.")+"\n")
		return err
	}

	var b strings.Builder
	for _, r := range runs {
		counts := r.Summary()
		b.WriteString(fmt.Sprintf("%s  %s  %s  %s\n",
			st.Value.Render(r.ID),
			st.Subtitle.Render(r.Name),
			st.phase(r.Phase).Render(Title(string(r.Phase))),
			st.Muted.Render(fmt.Sprintf("%d/%d steps done, updated %s",
				counts[run.StatusSucceeded]+counts[run.StatusSkipped], len(r.Order), r.UpdatedAt.Format(time.RFC3339))),
		))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
