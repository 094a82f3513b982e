package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// FileStore keeps one JSON document per feature in a directory. Writes go
// through a temp file, fsync and rename while holding an exclusive flock on
// a per-feature lock file, so concurrent processes on one host serialise.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(featureID string) string {
	return filepath.Join(s.dir, featureID+".json")
}

func (s *FileStore) lockPath(featureID string) string {
	return filepath.Join(s.dir, "."+featureID+".lock")
}

// lock takes an exclusive advisory lock for featureID. The returned func
// releases it.
func (s *FileStore) lock(featureID string) (func(), error) {
	f, err := os.OpenFile(s.lockPath(featureID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", featureID, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (s *FileStore) read(featureID string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(s.path(featureID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("get", featureID)
		}
		return nil, err
	}
	return manifest.Decode(data)
}

func (s *FileStore) write(m *manifest.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(m.FeatureID), data, 0644)
}

func (s *FileStore) Get(ctx context.Context, featureID string) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateFeatureID(featureID); err != nil {
		return nil, notFound("get", featureID)
	}
	return s.read(featureID)
}

func (s *FileStore) Create(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateFeatureID(m.FeatureID); err != nil {
		return nil, err
	}
	unlock, err := s.lock(m.FeatureID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(s.path(m.FeatureID)); err == nil {
		return nil, duplicate("create", m.FeatureID)
	}
	stored := stamp(m, 1)
	if err := s.write(stored); err != nil {
		return nil, fmt.Errorf("writing manifest %s: %w", m.FeatureID, err)
	}
	s.logger.Debug("manifest created", zap.String("feature", m.FeatureID), zap.String("path", s.path(m.FeatureID)))
	return stored, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, m *manifest.Manifest, expected int64) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateFeatureID(m.FeatureID); err != nil {
		return nil, notFound("compare-and-swap", m.FeatureID)
	}
	unlock, err := s.lock(m.FeatureID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.read(m.FeatureID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expected {
		return nil, conflict("compare-and-swap", m.FeatureID, expected, cur.Version)
	}
	stored := stamp(m, expected+1)
	if err := s.write(stored); err != nil {
		return nil, fmt.Errorf("writing manifest %s: %w", m.FeatureID, err)
	}
	return stored, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch follows the feature's file with fsnotify. The atomic rename shows
// up as a Create on the target path.
func (s *FileStore) Watch(ctx context.Context, featureID string) (<-chan *manifest.Manifest, error) {
	cur, err := s.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	ch := make(chan *manifest.Manifest, 1)
	ch <- cur
	target := s.path(featureID)
	go func() {
		defer close(ch)
		defer w.Close()
		last := cur.Version
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				m, err := s.read(featureID)
				if err != nil || m.Version <= last {
					continue
				}
				last = m.Version
				select {
				case ch <- m:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", zap.String("feature", featureID), zap.Error(err))
			}
		}
	}()
	return ch, nil
}

func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temporary file, fsyncs it and renames it
// over path, so readers never observe a partial manifest.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
