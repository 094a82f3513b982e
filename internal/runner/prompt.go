package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// Prompter asks a reviewer for a gate decision.
type Prompter interface {
	Decide(ctx context.Context, step definition.Step, state manifest.StepState) (manifest.GateDecision, error)
}

// LinePrompter reads one line per decision: y/yes approves, "reject" or
// "reject: <notes>" rejects, anything else is revision feedback.
type LinePrompter struct {
	In       io.Reader
	Out      io.Writer
	Reviewer string

	reader *bufio.Reader
}

func (p *LinePrompter) Decide(ctx context.Context, step definition.Step, state manifest.StepState) (manifest.GateDecision, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	if step.Description != "" {
		fmt.Fprintf(p.Out, "\n  %s\n", step.Description)
	}
	for _, name := range sortedNames(state.Outputs) {
		fmt.Fprintf(p.Out, "  %s: %s\n", name, state.Outputs[name])
	}
	fmt.Fprintf(p.Out, "\n  %s [y to approve / reject / feedback to revise]: ", step.ID)

	type readResult struct {
		input string
		err   error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- readResult{input: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return manifest.GateDecision{}, ctx.Err()
	case r := <-ch:
		if r.err != nil && (r.err != io.EOF || r.input == "") {
			return manifest.GateDecision{}, fmt.Errorf("reading gate decision: %w", r.err)
		}
		return parseDecision(r.input, p.Reviewer), nil
	}
}

func parseDecision(input, reviewer string) manifest.GateDecision {
	d := manifest.GateDecision{DecidedBy: reviewer}
	lower := strings.ToLower(input)
	switch {
	case lower == "y" || lower == "yes":
		d.Decision = manifest.Approved
	case lower == "reject" || lower == "n" || lower == "no":
		d.Decision = manifest.Rejected
	case strings.HasPrefix(lower, "reject:"):
		d.Decision = manifest.Rejected
		d.Notes = strings.TrimSpace(input[len("reject:"):])
	default:
		d.Decision = manifest.Revise
		d.Notes = input
	}
	return d
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
