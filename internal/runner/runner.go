// Package runner drives one feature to completion on the local machine,
// using the orchestrator for every state change.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/config"
	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/dispatch"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
	"github.com/jorge-barreto/stepwise/internal/ux"
)

// Runner executes eligible steps one at a time until the feature is done,
// a gate is rejected, or a step exhausts its retries.
type Runner struct {
	Orchestrator *orchestrator.Orchestrator
	Generator    dispatch.Generator
	Env          dispatch.Environment
	// Auto approves human gates without prompting.
	Auto bool
	// Gates overrides Auto for single steps.
	Gates    map[string]config.GateMode
	Actor    string
	Prompter Prompter
	Logger   *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run drives featureID from its current state.
func (r *Runner) Run(ctx context.Context, featureID string) error {
	def, err := r.Orchestrator.Definition(ctx, featureID)
	if err != nil {
		return err
	}
	if err := dispatch.Preflight(def); err != nil {
		return err
	}

	load := r.Orchestrator.Resume
	for {
		if ctx.Err() != nil {
			ux.ResumeHint(featureID)
			return ctx.Err()
		}

		m, next, err := load(ctx, featureID)
		load = r.Orchestrator.Snapshot
		if err != nil {
			return err
		}
		if m.Done() {
			ux.Success(featureID, def.Len())
			return nil
		}

		if pending := m.StepsWithStatus(manifest.StatusAwaitingGate); len(pending) > 0 {
			if err := r.decideGate(ctx, m, def, pending[0]); err != nil {
				return r.stop(featureID, err)
			}
			continue
		}

		if len(next) == 0 {
			return r.stop(featureID, r.noProgress(m))
		}

		if err := r.runStep(ctx, m, def, next[0]); err != nil {
			if errors.Is(err, errLostBegin) {
				r.logger().Debug("lost race for step, reloading", zap.String("feature", featureID), zap.String("step", next[0]))
				continue
			}
			return r.stop(featureID, err)
		}
	}
}

// errLostBegin means another agent changed the feature before the step could
// be claimed; the loop reloads and picks again.
var errLostBegin = errors.New("lost race to begin step")

// maxSubmitAttempts bounds resubmits of a finished step's result after
// version conflicts.
const maxSubmitAttempts = 5

func (r *Runner) stop(featureID string, err error) error {
	ux.ResumeHint(featureID)
	return err
}

func (r *Runner) noProgress(m *manifest.Manifest) error {
	if failed := m.StepsWithStatus(manifest.StatusFailed); len(failed) > 0 {
		return fault.New(fault.RetryExhausted, "steps failed for good: %s; reset them with 'stepwise reset %s <step>'",
			strings.Join(failed, ", "), m.FeatureID)
	}
	if running := m.StepsWithStatus(manifest.StatusInProgress); len(running) > 0 {
		return fmt.Errorf("no eligible steps; still in progress elsewhere: %s", strings.Join(running, ", "))
	}
	return fmt.Errorf("no eligible steps")
}

func (r *Runner) runStep(ctx context.Context, m *manifest.Manifest, def *definition.Definition, stepID string) error {
	step, _ := def.Step(stepID)
	attempt := m.StepStates[stepID].Attempts + 1
	ceiling := r.Orchestrator.RetryCeiling(def)
	if d, ok := m.LastDecision(stepID); ok && d.Decision == manifest.Revise &&
		strings.HasPrefix(d.DecidedBy, "validator:") && attempt > ceiling+1 {
		return fault.New(fault.RetryExhausted, "%s sent the step back %d times: %s",
			d.DecidedBy, attempt-1, d.Notes).WithStep(m.FeatureID, stepID)
	}

	in, err := dispatch.GatherInputs(m, def, stepID)
	if err != nil {
		return err
	}
	inputsFile, err := dispatch.WriteInputs(r.Env.ArtifactsDir, in)
	if err != nil {
		return err
	}

	if _, err := r.Orchestrator.SubmitStepResult(ctx, m.FeatureID, stepID, orchestrator.Began(r.Actor)); err != nil {
		if fault.Retryable(err) {
			return fmt.Errorf("%w: %w", errLostBegin, err)
		}
		return err
	}

	ux.StepHeader(m.FeatureID, stepID, attempt, step.Description)
	env := r.Env
	env.FeatureID = m.FeatureID
	env.DefinitionVersion = def.Version()
	env.StepID = stepID
	env.Attempt = attempt
	env.InputsFile = inputsFile

	start := time.Now()
	res, genErr := r.Generator.Generate(ctx, step, &env)
	if ctx.Err() != nil {
		// Leave the step IN_PROGRESS; reset picks it up once stale.
		return ctx.Err()
	}

	var result orchestrator.Result
	switch {
	case genErr != nil:
		result = orchestrator.Failed(genErr.Error())
	case res.ExitCode != 0:
		result = orchestrator.Failed(fmt.Sprintf("exit code %d", res.ExitCode))
	case len(res.Missing) > 0:
		result = orchestrator.Failed("missing outputs: " + strings.Join(res.Missing, ", "))
	default:
		result = orchestrator.Completed(res.Outputs)
	}

	stored, err := r.submit(ctx, m.FeatureID, stepID, result)
	if result.Kind == orchestrator.ResultFail {
		ux.StepFail(stepID, result.Error)
		if err != nil {
			return err
		}
		ux.Retrying(stepID, stored.StepStates[stepID].Attempts, ceiling)
		return nil
	}
	if err != nil {
		return err
	}

	switch stored.Status(stepID) {
	case manifest.StatusCompleted:
		ux.StepComplete(stepID, time.Since(start))
	case manifest.StatusAwaitingGate:
		ux.GateWaiting(stepID, string(step.Gate))
	default:
		if d, ok := stored.LastDecision(stepID); ok {
			ux.GateDecided(stepID, string(d.Decision), d.DecidedBy)
		}
	}
	return nil
}

// submit reports a finished attempt, resubmitting on version conflicts. Each
// call reloads the manifest, so the result is reapplied to the latest state.
func (r *Runner) submit(ctx context.Context, featureID, stepID string, result orchestrator.Result) (*manifest.Manifest, error) {
	for attempt := 1; ; attempt++ {
		stored, err := r.Orchestrator.SubmitStepResult(ctx, featureID, stepID, result)
		if !fault.Retryable(err) || attempt == maxSubmitAttempts || ctx.Err() != nil {
			return stored, err
		}
		r.logger().Debug("version conflict submitting result, retrying",
			zap.String("feature", featureID),
			zap.String("step", stepID),
			zap.Int("attempt", attempt))
	}
}

func (r *Runner) autoApproves(stepID string) bool {
	switch r.Gates[stepID] {
	case config.GateAuto:
		return true
	case config.GateRequired:
		return false
	}
	return r.Auto
}

func (r *Runner) decideGate(ctx context.Context, m *manifest.Manifest, def *definition.Definition, stepID string) error {
	var (
		stored *manifest.Manifest
		err    error
	)
	if r.autoApproves(stepID) {
		stored, err = r.Orchestrator.AutoApprove(ctx, m.FeatureID, stepID)
	} else {
		if r.Prompter == nil {
			return fault.New(fault.NoPendingGate, "step %s awaits a human decision; use 'stepwise gate' or --auto", stepID)
		}
		step, _ := def.Step(stepID)
		var d manifest.GateDecision
		d, err = r.Prompter.Decide(ctx, step, m.StepStates[stepID])
		if err != nil {
			return err
		}
		stored, err = r.Orchestrator.ApproveGate(ctx, m.FeatureID, stepID, d)
	}
	if err != nil {
		return err
	}
	d, _ := stored.LastDecision(stepID)
	ux.GateDecided(stepID, string(d.Decision), d.DecidedBy)
	if d.Decision == manifest.Rejected {
		return fmt.Errorf("step %s %s", stepID, stored.StepStates[stepID].Err())
	}
	return nil
}
