package dispatch

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/jorge-barreto/stepwise/internal/definition"
)

// Preflight checks that the binaries the definition's run commands start
// with are available on PATH.
func Preflight(def *definition.Definition) error {
	needed := make(map[string]bool)
	for _, s := range def.Steps() {
		if strings.TrimSpace(s.Run) == "" {
			continue
		}
		needed["bash"] = true
		if bin := leadingCommand(s.Run); bin != "" {
			needed[bin] = true
		}
	}

	var missing []string
	for bin := range needed {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		return fmt.Errorf("required binaries not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

// leadingCommand returns the program a simple command line starts with, or
// "" when the line starts with a variable, assignment or shell syntax.
func leadingCommand(run string) string {
	fields := strings.Fields(run)
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	if strings.ContainsAny(first, "$=(){}[];&|<>'\"`") || strings.Contains(first, "/") {
		return ""
	}
	switch first {
	case "cd", "echo", "exit", "export", "set", "test", "true", "false", "if", "for", "while", "source", ".":
		return ""
	}
	return first
}
