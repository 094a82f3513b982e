// Package store persists manifests with compare-and-swap on the manifest
// version.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// Store is a durable map from feature id to manifest.
//
// Create writes a new manifest at version 1. CompareAndSwap replaces the
// manifest only when the stored version equals expected and writes it at
// expected+1. Both return the manifest as stored.
type Store interface {
	Get(ctx context.Context, featureID string) (*manifest.Manifest, error)
	Create(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error)
	CompareAndSwap(ctx context.Context, m *manifest.Manifest, expected int64) (*manifest.Manifest, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Watcher is implemented by stores that can stream committed changes. The
// channel first receives the current manifest, then every later commit, and
// is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context, featureID string) (<-chan *manifest.Manifest, error)
}

var featureIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]{0,126}[A-Za-z0-9_-])?$`)

// ErrInvalidFeatureID is wrapped by every feature id rejection.
var ErrInvalidFeatureID = errors.New("invalid feature id")

// ValidateFeatureID rejects ids that cannot be used as a file name, KV key
// or primary key by every backend.
func ValidateFeatureID(id string) error {
	if !featureIDPattern.MatchString(id) {
		return fmt.Errorf("%w %q (letters, digits, '.', '_', '-'; max 128)", ErrInvalidFeatureID, id)
	}
	return nil
}

func notFound(op, featureID string) error {
	return &fault.Error{Kind: fault.NotFound, Op: op, Feature: featureID, Msg: "no manifest"}
}

func duplicate(op, featureID string) error {
	return &fault.Error{Kind: fault.DuplicateFeature, Op: op, Feature: featureID, Msg: "manifest already exists"}
}

func conflict(op, featureID string, expected, actual int64) error {
	return &fault.Error{
		Kind:    fault.VersionConflict,
		Op:      op,
		Feature: featureID,
		Msg:     fmt.Sprintf("expected version %d, stored version is %d", expected, actual),
	}
}

func stamp(m *manifest.Manifest, version int64) *manifest.Manifest {
	cp := m.Clone()
	cp.Version = version
	return cp
}
