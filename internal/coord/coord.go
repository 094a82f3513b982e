// Package coord serialises manifest mutations through optimistic
// compare-and-swap on the manifest version.
package coord

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/metrics"
	"github.com/jorge-barreto/stepwise/internal/store"
)

// Definitions resolves the definition a manifest is bound to.
type Definitions interface {
	Get(version string) (*definition.Definition, error)
}

// MutateFunc receives a private copy of the current manifest and returns the
// manifest to commit. Returning nil with no error commits nothing.
type MutateFunc func(m *manifest.Manifest, def *definition.Definition) (*manifest.Manifest, error)

type Coordinator struct {
	store   store.Store
	defs    Definitions
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(s store.Store, defs Definitions, opts ...Option) *Coordinator {
	c := &Coordinator{store: s, defs: defs, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type opKey struct{}

// WithOp labels commits made under ctx for logs and metrics.
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

func opFrom(ctx context.Context) string {
	if op, ok := ctx.Value(opKey{}).(string); ok {
		return op
	}
	return "commit"
}

// Load returns the manifest and its definition without locking anything.
func (c *Coordinator) Load(ctx context.Context, featureID string) (*manifest.Manifest, *definition.Definition, error) {
	m, err := c.store.Get(ctx, featureID)
	if err != nil {
		return nil, nil, err
	}
	def, err := c.defs.Get(m.DefinitionVersion)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, nil, fe.WithStep(featureID, "")
		}
		return nil, nil, err
	}
	return m, def, nil
}

// WithExclusiveManifest loads the feature, hands fn a clone, checks the
// result's invariants and commits it if the stored version is unchanged.
// A moved version yields VersionConflict; the call is never retried here.
// Errors from fn are returned as is and nothing is written.
func (c *Coordinator) WithExclusiveManifest(ctx context.Context, featureID string, fn MutateFunc) (*manifest.Manifest, error) {
	start := c.now()
	op := opFrom(ctx)

	cur, def, err := c.Load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur.Clone(), def)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	if next.FeatureID != cur.FeatureID || next.DefinitionVersion != cur.DefinitionVersion {
		return nil, fault.New(fault.IllegalTransition, "mutation changed manifest identity").WithStep(featureID, "")
	}
	if err := machine.CheckInvariants(next, def); err != nil {
		return nil, err
	}

	stored, err := c.store.CompareAndSwap(ctx, next, cur.Version)
	if err != nil {
		if errors.Is(err, fault.VersionConflict) {
			c.metrics.Conflict(op)
			c.logger.Debug("version conflict",
				zap.String("op", op),
				zap.String("feature", featureID),
				zap.Int64("expected", cur.Version))
		}
		return nil, err
	}
	c.metrics.Commit(op, c.now().Sub(start))
	c.logger.Debug("manifest committed",
		zap.String("op", op),
		zap.String("feature", featureID),
		zap.Int64("version", stored.Version))
	return stored, nil
}
