package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func newManifest(id string) *manifest.Manifest {
	m := manifest.New(id, "v1", t0)
	m.StepStates["prd"] = manifest.StepState{Status: manifest.StatusEligible, UpdatedAt: t0}
	m.StepStates["srs"] = manifest.StepState{Status: manifest.StatusPending, UpdatedAt: t0}
	return m
}

func withStatus(m *manifest.Manifest, step string, status manifest.Status) *manifest.Manifest {
	cp := m.Clone()
	s := cp.StepStates[step]
	s.Status = status
	cp.StepStates[step] = s
	return cp
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, fault.NotFound)
	})

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, created.Version)

		got, err := s.Get(ctx, "feat-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.Version)
		assert.Equal(t, manifest.StatusEligible, got.Status("prd"))
		assert.True(t, got.CreatedAt.Equal(t0))
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)
		_, err = s.Create(ctx, newManifest("feat-1"))
		assert.ErrorIs(t, err, fault.DuplicateFeature)
	})

	t.Run("create invalid id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, newManifest("../escape"))
		assert.Error(t, err)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		base, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)

		next, err := s.CompareAndSwap(ctx, withStatus(base, "prd", manifest.StatusInProgress), base.Version)
		require.NoError(t, err)
		assert.EqualValues(t, 2, next.Version)

		_, err = s.CompareAndSwap(ctx, withStatus(base, "prd", manifest.StatusCompleted), base.Version)
		assert.ErrorIs(t, err, fault.VersionConflict)
		assert.True(t, fault.Retryable(err))

		got, err := s.Get(ctx, "feat-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Version)
		assert.Equal(t, manifest.StatusInProgress, got.Status("prd"))
	})

	t.Run("compare and swap missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CompareAndSwap(ctx, newManifest("ghost"), 1)
		assert.ErrorIs(t, err, fault.NotFound)
	})

	t.Run("concurrent swaps from one base", func(t *testing.T) {
		s := newStore(t)
		base, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.CompareAndSwap(ctx, withStatus(base, "prd", manifest.StatusInProgress), base.Version)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, fault.VersionConflict)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"b-feature", "a-feature", "c-feature"} {
			_, err := s.Create(ctx, newManifest(id))
			require.NoError(t, err)
		}
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a-feature", "b-feature", "c-feature"}, ids)
	})

	t.Run("returned manifests are detached", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)
		created.StepStates["prd"] = manifest.StepState{Status: manifest.StatusFailed}

		got, err := s.Get(ctx, "feat-1")
		require.NoError(t, err)
		assert.Equal(t, manifest.StatusEligible, got.Status("prd"))
	})

	t.Run("watch", func(t *testing.T) {
		s := newStore(t)
		w, ok := s.(Watcher)
		if !ok {
			t.Skip("store does not support watch")
		}
		base, err := s.Create(ctx, newManifest("feat-1"))
		require.NoError(t, err)

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := w.Watch(wctx, "feat-1")
		require.NoError(t, err)

		first := receive(t, ch)
		assert.EqualValues(t, 1, first.Version)

		_, err = s.CompareAndSwap(ctx, withStatus(base, "prd", manifest.StatusInProgress), 1)
		require.NoError(t, err)
		second := receive(t, ch)
		assert.EqualValues(t, 2, second.Version)
		assert.Equal(t, manifest.StatusInProgress, second.Status("prd"))

		cancel()
		for range ch {
		}
	})
}

func receive(t *testing.T, ch <-chan *manifest.Manifest) *manifest.Manifest {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch update")
		return nil
	}
}

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir(), nil)
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()
	base, err := s.Create(ctx, newManifest("feat-1"))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, withStatus(base, "prd", manifest.StatusInProgress), 1)
	require.NoError(t, err)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feat-1"}, ids)
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestValidateFeatureID(t *testing.T) {
	for _, ok := range []string{"a", "feat-1", "FEAT_2.x", "0abc-def"} {
		assert.NoError(t, ValidateFeatureID(ok), ok)
	}
	for _, bad := range []string{"", "-a", ".hidden", "a/b", "a b", "trailing.", "../x"} {
		assert.ErrorIs(t, ValidateFeatureID(bad), ErrInvalidFeatureID, bad)
	}
}
