package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
)

var (
	headingStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusEligible  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00BCD4")).Bold(true)
	statusGate      = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	statusDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
)

func styleFor(s manifest.Status) lipgloss.Style {
	switch s {
	case manifest.StatusCompleted:
		return statusCompleted
	case manifest.StatusEligible:
		return statusEligible
	case manifest.StatusInProgress:
		return statusRunning
	case manifest.StatusAwaitingGate:
		return statusGate
	case manifest.StatusFailed, manifest.StatusBlocked:
		return statusFailed
	default:
		return statusDefault
	}
}

// RenderStatus prints a feature's steps in definition order.
func RenderStatus(w io.Writer, m *manifest.Manifest, def *definition.Definition, next []string) {
	fmt.Fprintf(w, "%s  %s\n", headingStyle.Render("Feature:"), m.FeatureID)
	fmt.Fprintf(w, "%s  %s (version %d)\n", headingStyle.Render("Workflow:"), def.Version(), m.Version)
	state := "in progress"
	switch {
	case m.Done():
		state = statusCompleted.Render("completed")
	case m.Stuck():
		state = statusFailed.Render("stuck")
	}
	fmt.Fprintf(w, "%s  %s\n\n", headingStyle.Render("State:"), state)

	for _, id := range def.TopologicalOrder() {
		st := m.StepStates[id]
		marker := "  "
		if contains(next, id) {
			marker = statusEligible.Render("→ ")
		}
		line := fmt.Sprintf("%s%-20s %s", marker, id, styleFor(st.Status).Render(fmt.Sprintf("%-14s", st.Status)))
		if st.Attempts > 0 {
			line += dimStyle.Render(fmt.Sprintf(" attempts=%d", st.Attempts))
		}
		if st.Owner != "" && st.Status == manifest.StatusInProgress {
			line += dimStyle.Render(" by " + st.Owner)
		}
		fmt.Fprintln(w, line)
		if msg := st.Err(); msg != "" {
			fmt.Fprintf(w, "    %s\n", detailStyle.Render(msg))
		}
		if d, ok := m.LastDecision(id); ok {
			fmt.Fprintf(w, "    %s\n", detailStyle.Render(fmt.Sprintf("gate: %s by %s at %s", d.Decision, d.DecidedBy, d.Timestamp.Format("2006-01-02 15:04"))))
		}
		for _, name := range sortedKeys(st.Outputs) {
			fmt.Fprintf(w, "    %s\n", dimStyle.Render(name+" = "+st.Outputs[name]))
		}
	}

	if len(next) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", headingStyle.Render("Next:"), strings.Join(next, ", "))
	}
	fmt.Fprintln(w)
}

// RenderPlan prints a dry-run plan grouped by phase.
func RenderPlan(w io.Writer, def *definition.Definition, plan []orchestrator.PlanStep) {
	title := def.Version()
	if def.Name() != "" {
		title = def.Name() + " (" + def.Version() + ")"
	}
	fmt.Fprintf(w, "\n%s %s, %d steps\n", headingStyle.Render("Plan:"), title, len(plan))

	phase := "\x00"
	for _, p := range plan {
		if p.Phase != phase {
			phase = p.Phase
			label := phase
			if label == "" {
				label = "(no phase)"
			}
			fmt.Fprintf(w, "\n  %s\n", headingStyle.Render(label))
		}
		line := fmt.Sprintf("  %s %s", dimStyle.Render(fmt.Sprintf("%2d.", p.Position)), p.ID)
		line += dimStyle.Render(fmt.Sprintf("  wave %d", p.Wave))
		if p.Gate != "" && p.Gate != definition.GateNone {
			g := string(p.Gate)
			if p.Validator != "" {
				g += ":" + p.Validator
			}
			if p.GateMode != "" {
				g += ", " + p.GateMode
			}
			line += " " + statusGate.Render("["+g+"]")
		}
		if p.Description != "" {
			line += " — " + p.Description
		}
		fmt.Fprintln(w, line)
		if len(p.DependsOn) > 0 {
			fmt.Fprintf(w, "       %s\n", detailStyle.Render("after: "+strings.Join(p.DependsOn, ", ")))
		}
		if len(p.RequiredOutputs) > 0 {
			fmt.Fprintf(w, "       %s\n", detailStyle.Render("outputs: "+strings.Join(p.RequiredOutputs, ", ")))
		}
	}
	fmt.Fprintln(w)
}

// RenderHistory prints the execution log, hiding derived entries.
func RenderHistory(w io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(w, "%s\n", headingStyle.Render("History:"))
	for _, e := range m.History {
		if e.Derived {
			continue
		}
		line := fmt.Sprintf("  %s %-10s %-14s %s → %s",
			dimStyle.Render(e.At.Format("2006-01-02 15:04:05")), e.Step, e.Event, e.From, styleFor(e.To).Render(string(e.To)))
		if e.Error != "" {
			line += " " + detailStyle.Render(e.Error)
		}
		if e.Decision != "" {
			line += " " + detailStyle.Render(string(e.Decision)+" by "+e.DecidedBy)
		}
		fmt.Fprintln(w, line)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
