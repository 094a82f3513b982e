package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fileblocks"
)

// ScriptGenerator runs a step's run command through bash and then collects
// its required outputs from the feature's artifact directory. Steps without
// a run command only collect, which suits outputs produced by hand.
type ScriptGenerator struct {
	// Stdout, if set, also receives the command's output.
	Stdout  io.Writer
	Timeout time.Duration
	Logger  *zap.Logger
}

func (g *ScriptGenerator) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *ScriptGenerator) Generate(ctx context.Context, step definition.Step, env *Environment) (*Result, error) {
	if err := EnsureDir(env.ArtifactsDir, env.FeatureID); err != nil {
		return nil, err
	}

	res := &Result{}
	if step.Run != "" {
		code, out, err := g.run(ctx, step, env)
		if err != nil {
			return nil, err
		}
		res.ExitCode, res.Output = code, out
		g.extractBlocks(step, env, out)
	}

	res.Outputs, res.Missing = CollectOutputs(env.ProjectRoot, env.OutputDir(), step.RequiredOutputs)
	g.logger().Debug("step generated",
		zap.String("feature", env.FeatureID),
		zap.String("step", step.ID),
		zap.Int("exit_code", res.ExitCode),
		zap.Strings("missing", res.Missing))
	return res, nil
}

// extractBlocks writes required outputs the command printed as file= fenced
// blocks but did not create itself.
func (g *ScriptGenerator) extractBlocks(step definition.Step, env *Environment, out string) {
	blocks := fileblocks.Parse(out)
	if len(blocks) == 0 {
		return
	}
	written, err := fileblocks.Materialize(env.OutputDir(), blocks, step.RequiredOutputs)
	if err != nil {
		g.logger().Warn("extracting output blocks",
			zap.String("feature", env.FeatureID), zap.String("step", step.ID), zap.Error(err))
	}
	if len(written) > 0 {
		g.logger().Debug("outputs extracted from command output",
			zap.String("feature", env.FeatureID), zap.String("step", step.ID), zap.Strings("outputs", written))
	}
}

func (g *ScriptGenerator) run(ctx context.Context, step definition.Step, env *Environment) (int, string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	expanded := ExpandVars(step.Run, env.Vars())

	cmd := exec.CommandContext(ctx, "bash", "-c", expanded)
	cmd.Dir = env.WorkDir
	cmd.Env = BuildEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	logFile, err := os.Create(LogPath(env.ArtifactsDir, env.FeatureID, step.ID))
	if err != nil {
		return 0, "", err
	}
	defer logFile.Close()

	var captured bytes.Buffer
	sinks := []io.Writer{logFile, &captured}
	if g.Stdout != nil {
		sinks = append(sinks, g.Stdout)
	}
	// One writer for both streams so exec copies them on a single goroutine.
	w := io.MultiWriter(sinks...)
	cmd.Stdout = w
	cmd.Stderr = w

	code, err := exitCode(cmd.Run())
	if err != nil {
		return 0, "", err
	}
	return code, captured.String(), nil
}

// exitCode extracts an exit code from a command error.
// Returns (code, nil) for ExitError, (0, err) for other errors, (0, nil) for nil.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
