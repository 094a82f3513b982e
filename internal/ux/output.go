package ux

import (
	"fmt"
	"io"
	"os"
	"time"
)

// ANSI color helpers
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// Out receives all progress output. Tests swap it for a buffer.
var Out io.Writer = os.Stdout

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// StepHeader prints a timestamped header for one step attempt.
func StepHeader(featureID, stepID string, attempt int, description string) {
	fmt.Fprintf(Out, "\n%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
	desc := ""
	if description != "" {
		desc = fmt.Sprintf(" — %s", description)
	}
	fmt.Fprintf(Out, "%s[%s]%s  %s%s / %s (attempt %d)%s%s\n",
		Dim, timestamp(), Reset, Bold, featureID, stepID, attempt, desc, Reset)
	fmt.Fprintf(Out, "%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
}

// StepComplete prints a step completion message.
func StepComplete(stepID string, duration time.Duration) {
	fmt.Fprintf(Out, "%s[%s]%s  %s✓ %s complete (%s)%s\n",
		Dim, timestamp(), Reset, Green, stepID, formatDuration(duration), Reset)
}

// StepFail prints a step failure message.
func StepFail(stepID, errMsg string) {
	fmt.Fprintf(Out, "%s[%s]%s  %s✗ %s failed: %s%s\n",
		Dim, timestamp(), Reset, Red, stepID, errMsg, Reset)
}

// Retrying prints a retry notice after a retryable failure.
func Retrying(stepID string, attempts, ceiling int) {
	fmt.Fprintf(Out, "%s[%s]%s  %s↺ %s will be retried (%d/%d failures)%s\n",
		Dim, timestamp(), Reset, Yellow, stepID, attempts, ceiling, Reset)
}

// GateWaiting prints a notice that a step is parked on its gate.
func GateWaiting(stepID string, gate string) {
	fmt.Fprintf(Out, "%s[%s]%s  %s⏸ %s awaiting %s gate%s\n",
		Dim, timestamp(), Reset, Yellow, stepID, gate, Reset)
}

// GateDecided prints the outcome of a gate decision.
func GateDecided(stepID, decision, decidedBy string) {
	color := Green
	if decision != "approved" {
		color = Yellow
	}
	fmt.Fprintf(Out, "%s[%s]%s  %s◆ %s gate %s by %s%s\n",
		Dim, timestamp(), Reset, color, stepID, decision, decidedBy, Reset)
}

// ResumeHint prints a resume command hint.
func ResumeHint(featureID string) {
	fmt.Fprintf(Out, "\n%sResume:%s stepwise run %s\n", Yellow, Reset, featureID)
}

// Success prints a final success message.
func Success(featureID string, total int) {
	fmt.Fprintf(Out, "\n%s[%s]%s  %s%s══ %s: all %d steps complete ══%s\n\n",
		Dim, timestamp(), Reset, Bold, Green, featureID, total, Reset)
}

// ErrorLine formats an error for stderr.
func ErrorLine(err error) string {
	return fmt.Sprintf("%serror:%s %v\n", Red, Reset, err)
}

func formatDuration(d time.Duration) string {
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", m, s)
}
