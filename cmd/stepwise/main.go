package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/dispatch"
	"github.com/jorge-barreto/stepwise/internal/docs"
	"github.com/jorge-barreto/stepwise/internal/httpapi"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
	"github.com/jorge-barreto/stepwise/internal/runner"
	"github.com/jorge-barreto/stepwise/internal/scaffold"
	"github.com/jorge-barreto/stepwise/internal/ux"
)

func main() {
	app := &cli.Command{
		Name:        "stepwise",
		Usage:       "Workflow state orchestrator for gated, multi-step features",
		Description: "Run 'stepwise docs' for documentation on definitions, gates, stores, and more.",
		Commands: []*cli.Command{
			initCmd(),
			definitionsCmd(),
			planCmd(),
			startCmd(),
			nextCmd(),
			beginCmd(),
			submitCmd(),
			gateCmd(),
			resetCmd(),
			resumeCmd(),
			statusCmd(),
			watchCmd(),
			runCmd(),
			serveCmd(),
			docsCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprint(os.Stderr, ux.ErrorLine(err))
		os.Exit(exitCode(err))
	}
}

// args returns the first n positional arguments or a usage error.
func args(cmd *cli.Command, n int) ([]string, error) {
	if cmd.NArg() < n {
		return nil, usagef("usage: stepwise %s %s", cmd.Name, cmd.ArgsUsage)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = cmd.Args().Get(i)
	}
	return out, nil
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Print the manifest as JSON"}
}

// report prints the outcome of a command that committed a manifest.
func report(cmd *cli.Command, m *manifest.Manifest, stepID string) error {
	if cmd.Bool("json") {
		return printJSON(m)
	}
	fmt.Printf("%s: %s → %s (version %d)\n", m.FeatureID, stepID, m.Status(stepID), m.Version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize a new .stepwise/ directory with an example workflow",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			return scaffold.Init(dir, os.Stdout)
		},
	}
}

func definitionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "definitions",
		Usage: "List installed workflow definitions",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			versions := catalog.Versions()
			if len(versions) == 0 {
				fmt.Printf("No definitions in %s\n", catalog.Dir())
				return nil
			}
			for _, v := range versions {
				def, err := catalog.Get(v)
				if err != nil {
					return err
				}
				fmt.Printf("  %-20s %s\n", v, scaffold.Summary(def))
			}
			return nil
		},
		Commands: []*cli.Command{{
			Name:      "install",
			Usage:     "Validate a definition file and add it to the catalog",
			ArgsUsage: "<file>",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				a, err := args(cmd, 1)
				if err != nil {
					return err
				}
				_, catalog, err := loadCatalog()
				if err != nil {
					return err
				}
				def, err := catalog.Install(a[0])
				if err != nil {
					return err
				}
				fmt.Printf("installed %s: %s\n", def.Version(), scaffold.Summary(def))
				return nil
			},
		}},
	}
}

func planCmd() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Show the step order and parallel waves of a definition",
		ArgsUsage: "<definition|file>",
		Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print the plan as JSON"}},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			cfg, catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			def, err := catalog.Resolve(a[0])
			if err != nil {
				return err
			}
			plan := orchestrator.BuildPlan(def)
			for i, p := range plan {
				if mode, ok := cfg.Gates[p.ID]; ok && p.Gate == definition.GateHumanApproval {
					plan[i].GateMode = string(mode)
				}
			}
			if cmd.Bool("json") {
				return printJSON(plan)
			}
			ux.RenderPlan(os.Stdout, def, plan)
			return nil
		},
	}
}

func startCmd() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a feature on a definition",
		ArgsUsage: "<definition|file> [feature]",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			def, err := app.catalog.Resolve(a[0])
			if err != nil {
				return err
			}
			m, err := app.orch.Start(ctx, def.Version(), cmd.Args().Get(1))
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(m)
			}
			ux.RenderStatus(os.Stdout, m, def, machine.ComputeEligible(m, def))
			return nil
		},
	}
}

func nextCmd() *cli.Command {
	return &cli.Command{
		Name:      "next",
		Usage:     "List the steps that may begin now",
		ArgsUsage: "<feature>",
		Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print as a JSON array"}},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			next, err := app.orch.NextSteps(ctx, a[0])
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				if next == nil {
					next = []string{}
				}
				return printJSON(next)
			}
			for _, id := range next {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func beginCmd() *cli.Command {
	return &cli.Command{
		Name:      "begin",
		Usage:     "Mark an eligible step as in progress",
		ArgsUsage: "<feature> <step>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "actor", Usage: "Who is working on the step (default $USER)"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 2)
			if err != nil {
				return err
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			m, err := app.orch.SubmitStepResult(ctx, a[0], a[1], orchestrator.Began(actor(cmd.String("actor"))))
			if err != nil {
				return err
			}
			return report(cmd, m, a[1])
		},
	}
}

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Report the result of an in-progress step",
		ArgsUsage: "<feature> <step> [outputs-file]",
		Description: "The outputs file is a JSON or YAML map of output name to reference.\n" +
			"Without --fail the step completes, or parks on its gate when it has one.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output as name=ref (repeatable)"},
			&cli.StringFlag{Name: "fail", Usage: "Report a failure with this message"},
			&cli.BoolFlag{Name: "await-gate", Usage: "Park the step on its gate without completing it"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 2)
			if err != nil {
				return err
			}
			var result orchestrator.Result
			if msg := cmd.String("fail"); msg != "" {
				result = orchestrator.Failed(msg)
			} else {
				outputs, err := parseOutputs(cmd.Args().Get(2), cmd.StringSlice("output"))
				if err != nil {
					return err
				}
				result = orchestrator.Completed(outputs)
				if cmd.Bool("await-gate") {
					result = orchestrator.AwaitingGate(outputs)
				}
			}

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			m, err := app.orch.SubmitStepResult(ctx, a[0], a[1], result)
			if m != nil {
				if rerr := report(cmd, m, a[1]); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
}

func gateCmd() *cli.Command {
	return &cli.Command{
		Name:      "gate",
		Usage:     "Record a decision for a step awaiting its gate",
		ArgsUsage: "<feature> <step> <approve|reject|revise>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "notes", Usage: "Reviewer notes; revise notes become the step's feedback"},
			&cli.StringFlag{Name: "by", Usage: "Reviewer name (default $USER)"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 3)
			if err != nil {
				return err
			}
			decision, err := manifest.ParseDecision(a[2])
			if err != nil {
				return usagef("%v", err)
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			m, err := app.orch.ApproveGate(ctx, a[0], a[1], manifest.GateDecision{
				DecidedBy: actor(cmd.String("by")),
				Decision:  decision,
				Notes:     cmd.String("notes"),
			})
			if err != nil {
				return err
			}
			return report(cmd, m, a[1])
		},
	}
}

func resetCmd() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Return a stale in-progress or failed step to eligible",
		ArgsUsage: "<feature> <step>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Reset an in-progress step before it goes stale"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 2)
			if err != nil {
				return err
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			m, err := app.orch.ResetStep(ctx, a[0], a[1], cmd.Bool("force"))
			if err != nil {
				return err
			}
			return report(cmd, m, a[1])
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Reload a feature and show where to pick up",
		ArgsUsage: "<feature>",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			m, next, err := app.orch.Resume(ctx, a[0])
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(m)
			}
			def, err := app.catalog.Get(m.DefinitionVersion)
			if err != nil {
				return err
			}
			ux.RenderStatus(os.Stdout, m, def, next)
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a feature's step states, or list every feature",
		ArgsUsage: "[feature]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "history", Usage: "Include the transition history"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			featureID := cmd.Args().First()
			if featureID == "" {
				return listFeatures(ctx, app)
			}
			m, err := app.orch.Get(ctx, featureID)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(m)
			}
			def, err := app.catalog.Get(m.DefinitionVersion)
			if err != nil {
				return err
			}
			ux.RenderStatus(os.Stdout, m, def, machine.ComputeEligible(m, def))
			if cmd.Bool("history") {
				ux.RenderHistory(os.Stdout, m)
			}
			return nil
		},
	}
}

func listFeatures(ctx context.Context, a *app) error {
	ids, err := a.orch.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No features yet. Start one with 'stepwise start <definition> <feature>'.")
		return nil
	}
	for _, id := range ids {
		m, err := a.orch.Get(ctx, id)
		if err != nil {
			return err
		}
		done := len(m.StepsWithStatus(manifest.StatusCompleted))
		state := "in progress"
		switch {
		case m.Done():
			state = "done"
		case len(m.StepsWithStatus(manifest.StatusFailed)) > 0:
			state = "failed"
		case len(m.StepsWithStatus(manifest.StatusAwaitingGate)) > 0:
			state = "awaiting gate"
		}
		fmt.Printf("  %-28s %-12s %d/%d complete  %-14s v%d\n",
			id, m.DefinitionVersion, done, len(m.StepStates), state, m.Version)
	}
	return nil
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a feature's manifest as it changes",
		ArgsUsage: "<feature>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print one JSON manifest per line"},
			&cli.DurationFlag{Name: "poll", Value: time.Second, Usage: "Poll interval for stores without change feeds"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			orch := orchestrator.New(app.store, app.catalog,
				orchestrator.WithLogger(app.logger),
				orchestrator.WithPollInterval(cmd.Duration("poll")),
				orchestrator.WithPolicy(machine.Policy{
					RetryCeiling: app.cfg.Workflow.RetryCeiling,
					StaleAfter:   app.cfg.Workflow.StaleAfter,
				}),
			)

			def, err := orch.Definition(ctx, a[0])
			if err != nil {
				return err
			}
			ch, err := orch.Watch(ctx, a[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for m := range ch {
				if cmd.Bool("json") {
					if err := enc.Encode(m); err != nil {
						return err
					}
					continue
				}
				ux.RenderStatus(os.Stdout, m, def, machine.ComputeEligible(m, def))
				if m.Done() {
					return nil
				}
			}
			return nil
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Drive a feature locally, running each step's command",
		ArgsUsage: "<feature>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "auto", Usage: "Approve human gates without prompting"},
			&cli.StringFlag{Name: "start", Usage: "Start the feature on this definition first"},
			&cli.StringFlag{Name: "actor", Usage: "Worker and reviewer name (default $USER)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Per-step command timeout (0 for none)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if ref := cmd.String("start"); ref != "" {
				def, err := app.catalog.Resolve(ref)
				if err != nil {
					return err
				}
				if _, err := app.orch.Start(ctx, def.Version(), a[0]); err != nil {
					return err
				}
			}

			who := actor(cmd.String("actor"))
			r := &runner.Runner{
				Orchestrator: app.orch,
				Generator: &dispatch.ScriptGenerator{
					Stdout:  os.Stdout,
					Timeout: cmd.Duration("timeout"),
					Logger:  app.logger,
				},
				Env: dispatch.Environment{
					ProjectRoot:  app.cfg.ProjectRoot,
					WorkDir:      app.cfg.ProjectRoot,
					ArtifactsDir: app.cfg.ArtifactsDir(),
				},
				Auto:     cmd.Bool("auto"),
				Gates:    app.cfg.Gates,
				Actor:    who,
				Prompter: &runner.LinePrompter{In: os.Stdin, Out: os.Stdout, Reviewer: who},
				Logger:   app.logger,
			}
			return r.Run(ctx, a[0])
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the orchestrator over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default http.addr from config)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			addr := cmd.String("addr")
			if addr == "" {
				addr = app.cfg.HTTP.Addr
			}
			srv := httpapi.NewServer(app.orch, app.metrics, app.logger,
				httpapi.WithRateLimit(app.cfg.HTTP.RateLimit, app.cfg.HTTP.RateBurst))
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				app.logger.Error("http shutdown", zap.Error(err))
				return err
			}
			return <-errCh
		},
	}
}

func docsCmd() *cli.Command {
	return &cli.Command{
		Name:      "docs",
		Usage:     "Show documentation",
		ArgsUsage: "[topic]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				fmt.Print("\nAvailable topics:\n\n")
				for _, t := range docs.All() {
					fmt.Printf("  %-14s %s\n", t.Name, t.Summary)
				}
				fmt.Println("\nRun 'stepwise docs <topic>' to read a topic.")
				return nil
			}
			t, err := docs.Get(name)
			if err != nil {
				return usagef("%v", err)
			}
			fmt.Print(t.Content)
			return nil
		},
	}
}
