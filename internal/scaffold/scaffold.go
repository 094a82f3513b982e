// Package scaffold writes a starter .stepwise/ directory.
package scaffold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jorge-barreto/stepwise/internal/config"
	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/ux"
)

var configTemplate = `# Environment variables override any key: STEPWISE_STORE_BACKEND, STEPWISE_LOG_LEVEL, ...
store:
  backend: file          # file | nats | postgres | memory
  dir: .stepwise/manifests
  nats:
    url: ""
    bucket: STEPWISE_MANIFESTS
    embedded: false
  postgres:
    dsn: ""

workflow:
  definitions_dir: .stepwise/workflows
  artifacts_dir: .stepwise/artifacts
  retry_ceiling: 3
  stale_after: 30m

log:
  level: info
  format: console

http:
  addr: 127.0.0.1:8080
  rate_limit: 20         # requests per second per client, 0 disables
  rate_burst: 40

# Per-step override of 'stepwise run --auto' for human gates.
# gates:
#   prd: required
`

// ExampleWorkflow is the document pipeline written by Init.
var ExampleWorkflow = `version: docs/v1
name: Feature documents
description: Drafts a PRD, then requirements, design and a task list.
steps:
  - id: prd
    phase: planning
    description: Product requirements
    requiredOutputs: [prd.md]
    gate: human_approval
    run: echo "# PRD for $FEATURE_ID" > "$OUTPUT_DIR/prd.md"

  - id: srs
    phase: planning
    description: Software requirements
    dependsOn: [prd]
    requiredOutputs: [srs.md]
    gate: validated
    validator: has-content-hash
    run: echo "# SRS for $FEATURE_ID" > "$OUTPUT_DIR/srs.md"

  - id: design
    phase: design
    description: Technical design
    dependsOn: [srs]
    requiredOutputs: [design.md]
    run: echo "# Design for $FEATURE_ID" > "$OUTPUT_DIR/design.md"

  - id: tasks
    phase: design
    description: Task breakdown
    dependsOn: [srs]
    requiredOutputs: [tasks.md]
    run: echo "# Tasks for $FEATURE_ID" > "$OUTPUT_DIR/tasks.md"

  - id: review
    phase: review
    description: Final sign-off
    dependsOn: [design, tasks]
    gate: human_approval
`

// Init creates a new .stepwise/ directory with a config and an example
// workflow, and prints a summary to w.
func Init(targetDir string, w io.Writer) error {
	dir := filepath.Join(targetDir, config.Dir)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%s directory already exists in %s", config.Dir, targetDir)
	}

	files := map[string]string{
		filepath.Join(config.Dir, config.FileName):             configTemplate,
		filepath.Join(config.Dir, "workflows", "docs-v1.yaml"): ExampleWorkflow,
		filepath.Join(config.Dir, ".gitignore"):                "artifacts/\nmanifests/\n",
	}
	var written []string
	for relPath, content := range files {
		fullPath := filepath.Join(targetDir, relPath)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", relPath, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", relPath, err)
		}
		written = append(written, relPath)
	}
	sort.Strings(written)

	fmt.Fprintf(w, "\n%s%s✓ Initialized %s/ directory%s\n\n", ux.Bold, ux.Green, config.Dir, ux.Reset)
	fmt.Fprintf(w, "  Created:\n")
	for _, p := range written {
		fmt.Fprintf(w, "    %s%s%s\n", ux.Cyan, p, ux.Reset)
	}
	if def, err := definition.Parse([]byte(ExampleWorkflow)); err == nil {
		fmt.Fprintf(w, "\n  Workflow: %s%s%s\n", ux.Bold, Summary(def), ux.Reset)
	}
	fmt.Fprintf(w, "\n  Next steps:\n")
	fmt.Fprintf(w, "    1. Edit %s.stepwise/workflows/docs-v1.yaml%s or add your own workflow\n", ux.Cyan, ux.Reset)
	fmt.Fprintf(w, "    2. Preview it with %sstepwise plan docs/v1%s\n", ux.Cyan, ux.Reset)
	fmt.Fprintf(w, "    3. Start a feature with %sstepwise start docs/v1 <feature>%s\n\n", ux.Cyan, ux.Reset)
	return nil
}

// Summary renders a definition as its topological order, marking gated steps.
func Summary(def *definition.Definition) string {
	var parts []string
	for _, id := range def.TopologicalOrder() {
		s, _ := def.Step(id)
		if s.Gated() {
			id += " [" + string(s.Gate) + "]"
		}
		parts = append(parts, id)
	}
	return strings.Join(parts, " → ")
}
