// Package orchestrator is the entry point for callers driving features
// through a workflow definition.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/coord"
	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/gate"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/metrics"
	"github.com/jorge-barreto/stepwise/internal/store"
)

type Orchestrator struct {
	store      store.Store
	catalog    *definition.Catalog
	coord      *coord.Coordinator
	gates      *gate.Controller
	validators *gate.Registry
	policy     machine.Policy
	logger     *zap.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
	newID      func() string
	pollEvery  time.Duration
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for every timestamp the orchestrator writes.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithPolicy(p machine.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithValidators replaces the built-in gate predicates.
func WithValidators(r *gate.Registry) Option {
	return func(o *Orchestrator) { o.validators = r }
}

// WithIDGenerator overrides the generator used when Start gets no feature id.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithPollInterval sets how often Watch polls stores that cannot push.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollEvery = d }
}

func New(s store.Store, catalog *definition.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		catalog:   catalog,
		policy:    machine.DefaultPolicy(),
		logger:    zap.NewNop(),
		clock:     time.Now,
		newID:     uuid.NewString,
		pollEvery: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.gates = gate.New(o.validators, o.policy)
	o.coord = coord.New(s, catalog, coord.WithLogger(o.logger), coord.WithMetrics(o.metrics))
	return o
}

func (o *Orchestrator) now() time.Time { return o.clock().UTC() }

// RetryCeiling returns the number of failures def's steps may absorb.
func (o *Orchestrator) RetryCeiling(def *definition.Definition) int {
	return o.policy.Ceiling(def)
}

// Catalog returns the definition catalog.
func (o *Orchestrator) Catalog() *definition.Catalog { return o.catalog }

// Start creates the manifest for a new feature. An empty featureID gets a
// generated UUID.
func (o *Orchestrator) Start(ctx context.Context, definitionVersion, featureID string) (*manifest.Manifest, error) {
	def, err := o.catalog.Get(definitionVersion)
	if err != nil {
		return nil, err
	}
	if err := o.gates.Validators().CheckDefinition(def); err != nil {
		return nil, err
	}
	if featureID == "" {
		featureID = o.newID()
	}
	if err := store.ValidateFeatureID(featureID); err != nil {
		return nil, err
	}

	m, err := o.store.Create(ctx, machine.Init(def, featureID, o.now()))
	if err != nil {
		return nil, err
	}
	o.metrics.Started()
	o.logger.Info("feature started",
		zap.String("feature", featureID),
		zap.String("definition", def.Version()),
		zap.Strings("eligible", machine.ComputeEligible(m, def)))
	return m, nil
}

// Get returns the current manifest.
func (o *Orchestrator) Get(ctx context.Context, featureID string) (*manifest.Manifest, error) {
	return o.store.Get(ctx, featureID)
}

// List returns every known feature id.
func (o *Orchestrator) List(ctx context.Context) ([]string, error) {
	return o.store.List(ctx)
}

// Definition returns the definition a feature is bound to.
func (o *Orchestrator) Definition(ctx context.Context, featureID string) (*definition.Definition, error) {
	_, def, err := o.coord.Load(ctx, featureID)
	return def, err
}

// NextSteps returns the steps that may begin now, in topological order.
func (o *Orchestrator) NextSteps(ctx context.Context, featureID string) ([]string, error) {
	m, def, err := o.coord.Load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	return machine.ComputeEligible(m, def), nil
}

// Snapshot returns the current manifest with its eligible steps.
func (o *Orchestrator) Snapshot(ctx context.Context, featureID string) (*manifest.Manifest, []string, error) {
	m, def, err := o.coord.Load(ctx, featureID)
	if err != nil {
		return nil, nil, err
	}
	return m, machine.ComputeEligible(m, def), nil
}

// Resume reloads a feature after an interruption and reports where to pick up.
func (o *Orchestrator) Resume(ctx context.Context, featureID string) (*manifest.Manifest, []string, error) {
	m, next, err := o.Snapshot(ctx, featureID)
	if err != nil {
		return nil, nil, err
	}
	o.logger.Info("feature resumed",
		zap.String("feature", featureID),
		zap.Int64("version", m.Version),
		zap.Strings("eligible", next),
		zap.Strings("in_progress", m.StepsWithStatus(manifest.StatusInProgress)),
		zap.Strings("awaiting_gate", m.StepsWithStatus(manifest.StatusAwaitingGate)))
	return m, next, nil
}

// SubmitStepResult applies a step result. Validated gates are evaluated in
// the same commit. A failure past the retry ceiling is committed and then
// reported as RetryExhausted alongside the stored manifest.
func (o *Orchestrator) SubmitStepResult(ctx context.Context, featureID, stepID string, r Result) (*manifest.Manifest, error) {
	at := o.now()
	ev, err := r.event(at)
	if err != nil {
		return nil, fault.New(fault.IllegalTransition, "%v", err).WithStep(featureID, stepID)
	}

	var outcomes []machine.Outcome
	var evaluated bool
	stored, err := o.coord.WithExclusiveManifest(coord.WithOp(ctx, string(r.Kind)), featureID,
		func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, error) {
			next, out, err := machine.Apply(m, def, stepID, ev, o.policy)
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, out)
			next, gated, ok, err := o.gates.Evaluate(next, def, stepID, at)
			if err != nil {
				return nil, err
			}
			if ok {
				evaluated = true
				outcomes = append(outcomes, gated)
			}
			return next, nil
		})
	if err != nil {
		return nil, err
	}

	o.metrics.Transition(string(ev.Kind), string(outcomes[0].To))
	if evaluated {
		d, _ := stored.LastDecision(stepID)
		o.metrics.Transition(string(machine.EventDecide), string(outcomes[1].To))
		o.metrics.GateDecision(string(d.Decision), reviewerKind(d.DecidedBy))
	}
	last := outcomes[len(outcomes)-1]
	o.logger.Info("step result applied",
		zap.String("feature", featureID),
		zap.String("step", stepID),
		zap.String("event", string(ev.Kind)),
		zap.String("status", string(last.To)),
		zap.Int64("version", stored.Version),
		zap.Strings("unblocked", last.Unblocked),
		zap.Strings("blocked", last.Blocked))

	if outcomes[0].Exhausted {
		st := stored.StepStates[stepID]
		return stored, fault.New(fault.RetryExhausted, "step failed %d times; dependents blocked: %s",
			st.Attempts, strings.Join(outcomes[0].Blocked, ", ")).WithStep(featureID, stepID)
	}
	return stored, nil
}

// ApproveGate records a reviewer's decision on a step awaiting its gate.
func (o *Orchestrator) ApproveGate(ctx context.Context, featureID, stepID string, d manifest.GateDecision) (*manifest.Manifest, error) {
	if d.Timestamp.IsZero() {
		d.Timestamp = o.now()
	}
	return o.decide(ctx, featureID, stepID, func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, machine.Outcome, error) {
		return o.gates.RecordDecision(m, def, stepID, d)
	})
}

// AutoApprove approves a pending human gate as the auto reviewer.
func (o *Orchestrator) AutoApprove(ctx context.Context, featureID, stepID string) (*manifest.Manifest, error) {
	at := o.now()
	return o.decide(ctx, featureID, stepID, func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, machine.Outcome, error) {
		return o.gates.AutoApprove(m, def, stepID, at)
	})
}

func (o *Orchestrator) decide(ctx context.Context, featureID, stepID string,
	fn func(*manifest.Manifest, *definition.Definition) (*manifest.Manifest, machine.Outcome, error)) (*manifest.Manifest, error) {
	var out machine.Outcome
	stored, err := o.coord.WithExclusiveManifest(coord.WithOp(ctx, "gate"), featureID,
		func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, error) {
			next, res, err := fn(m, def)
			out = res
			return next, err
		})
	if err != nil {
		return nil, err
	}
	d, _ := stored.LastDecision(stepID)
	o.metrics.Transition(string(machine.EventDecide), string(out.To))
	o.metrics.GateDecision(string(d.Decision), reviewerKind(d.DecidedBy))
	o.logger.Info("gate decision recorded",
		zap.String("feature", featureID),
		zap.String("step", stepID),
		zap.String("decision", string(d.Decision)),
		zap.String("decided_by", d.DecidedBy),
		zap.String("status", string(out.To)),
		zap.Int64("version", stored.Version))
	return stored, nil
}

// ResetStep returns a stuck IN_PROGRESS or terminally FAILED step to
// ELIGIBLE. In-progress steps must be stale unless force is set.
func (o *Orchestrator) ResetStep(ctx context.Context, featureID, stepID string, force bool) (*manifest.Manifest, error) {
	ev := machine.Reset(o.now(), force)
	var out machine.Outcome
	stored, err := o.coord.WithExclusiveManifest(coord.WithOp(ctx, "reset"), featureID,
		func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, error) {
			next, res, err := machine.Apply(m, def, stepID, ev, o.policy)
			out = res
			return next, err
		})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(string(ev.Kind), string(out.To))
	o.logger.Warn("step reset",
		zap.String("feature", featureID),
		zap.String("step", stepID),
		zap.String("from", string(out.From)),
		zap.Bool("force", force),
		zap.Int64("version", stored.Version))
	return stored, nil
}

// Watch streams manifest versions as they are committed. Stores without
// native change feeds are polled.
func (o *Orchestrator) Watch(ctx context.Context, featureID string) (<-chan *manifest.Manifest, error) {
	if w, ok := o.store.(store.Watcher); ok {
		return w.Watch(ctx, featureID)
	}
	cur, err := o.store.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	ch := make(chan *manifest.Manifest, 1)
	ch <- cur
	go func() {
		defer close(ch)
		ticker := time.NewTicker(o.pollEvery)
		defer ticker.Stop()
		last := cur.Version
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m, err := o.store.Get(ctx, featureID)
				if err != nil {
					if ctx.Err() == nil {
						o.logger.Warn("watch poll failed", zap.String("feature", featureID), zap.Error(err))
					}
					continue
				}
				if m.Version == last {
					continue
				}
				last = m.Version
				select {
				case ch <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func reviewerKind(decidedBy string) string {
	switch {
	case decidedBy == gate.AutoReviewer:
		return "auto"
	case strings.HasPrefix(decidedBy, "validator:"):
		return "validator"
	default:
		return "human"
	}
}

// ResultKind names the kind of step result a caller submits.
type ResultKind string

const (
	ResultBegin         ResultKind = "begin"
	ResultComplete      ResultKind = "complete"
	ResultFail          ResultKind = "fail"
	ResultBlockedByGate ResultKind = "blockedByGate"
)

// Result is what a caller reports about a step.
type Result struct {
	Kind    ResultKind
	Outputs map[string]string
	Error   string
	Actor   string
}

func Began(actor string) Result { return Result{Kind: ResultBegin, Actor: actor} }

func Completed(outputs map[string]string) Result {
	return Result{Kind: ResultComplete, Outputs: outputs}
}

func Failed(msg string) Result { return Result{Kind: ResultFail, Error: msg} }

func AwaitingGate(outputs map[string]string) Result {
	return Result{Kind: ResultBlockedByGate, Outputs: outputs}
}

func (r Result) event(at time.Time) (machine.Event, error) {
	switch r.Kind {
	case ResultBegin:
		return machine.Begin(at, r.Actor), nil
	case ResultComplete:
		return machine.Complete(at, r.Outputs), nil
	case ResultFail:
		return machine.Fail(at, r.Error), nil
	case ResultBlockedByGate:
		return machine.BlockedByGate(at, r.Outputs), nil
	}
	return machine.Event{}, fmt.Errorf("unknown result kind %q", r.Kind)
}
