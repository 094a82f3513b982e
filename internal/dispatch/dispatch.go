// Package dispatch runs the generator collaborator that produces a step's
// outputs.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jorge-barreto/stepwise/internal/definition"
)

// Environment holds the execution context for one step attempt.
type Environment struct {
	ProjectRoot       string
	WorkDir           string
	ArtifactsDir      string
	FeatureID         string
	DefinitionVersion string
	StepID            string
	Attempt           int
	// InputsFile points at the bundle of dependency outputs, if written.
	InputsFile string
	filteredEnv []string
}

// FeatureDir returns the directory holding a feature's artifacts.
func FeatureDir(artifactsDir, featureID string) string {
	return filepath.Join(artifactsDir, featureID)
}

// LogPath returns the log file for a step.
func LogPath(artifactsDir, featureID, stepID string) string {
	return filepath.Join(FeatureDir(artifactsDir, featureID), "logs", stepID+".log")
}

// EnsureDir creates the artifact directories for a feature.
func EnsureDir(artifactsDir, featureID string) error {
	base := FeatureDir(artifactsDir, featureID)
	for _, d := range []string{base, filepath.Join(base, "logs"), filepath.Join(base, "inputs")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating artifacts dir %s: %w", d, err)
		}
	}
	return nil
}

// OutputDir is where the step's generator writes its required outputs.
func (e *Environment) OutputDir() string {
	return FeatureDir(e.ArtifactsDir, e.FeatureID)
}

// Vars returns the variable substitution map for run commands.
func (e *Environment) Vars() map[string]string {
	return map[string]string{
		"FEATURE_ID":    e.FeatureID,
		"DEFINITION":    e.DefinitionVersion,
		"STEP_ID":       e.StepID,
		"ATTEMPT":       fmt.Sprint(e.Attempt),
		"ARTIFACTS_DIR": e.ArtifactsDir,
		"OUTPUT_DIR":    e.OutputDir(),
		"INPUTS_FILE":   e.InputsFile,
		"WORK_DIR":      e.WorkDir,
		"PROJECT_ROOT":  e.ProjectRoot,
	}
}

// BuildEnv returns the environment for child processes: the current
// environment minus any inherited STEPWISE_ settings, plus one STEPWISE_
// variable per entry of Vars.
func BuildEnv(env *Environment) []string {
	if env.filteredEnv == nil {
		for _, e := range os.Environ() {
			key, _, _ := strings.Cut(e, "=")
			if strings.HasPrefix(key, "STEPWISE_") {
				continue
			}
			env.filteredEnv = append(env.filteredEnv, e)
		}
	}
	vars := env.Vars()
	result := make([]string, len(env.filteredEnv), len(env.filteredEnv)+len(vars))
	copy(result, env.filteredEnv)
	for k, v := range vars {
		result = append(result, "STEPWISE_"+k+"="+v)
	}
	return result
}

// Result is what a generator reports for one attempt.
type Result struct {
	ExitCode int
	Output   string
	// Outputs maps each required output name found on disk to its
	// content-addressed reference.
	Outputs map[string]string
	// Missing lists required outputs the generator did not produce.
	Missing []string
}

// OK reports whether the attempt succeeded and produced every output.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && len(r.Missing) == 0
}

// Generator produces a step's outputs. Tests substitute a fake.
type Generator interface {
	Generate(ctx context.Context, step definition.Step, env *Environment) (*Result, error)
}
