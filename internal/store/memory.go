package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// MemoryStore keeps manifests in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*manifest.Manifest
	watchers map[string][]chan *manifest.Manifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*manifest.Manifest),
		watchers: make(map[string][]chan *manifest.Manifest),
	}
}

func (s *MemoryStore) Get(ctx context.Context, featureID string) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[featureID]
	if !ok {
		return nil, notFound("get", featureID)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateFeatureID(m.FeatureID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[m.FeatureID]; ok {
		return nil, duplicate("create", m.FeatureID)
	}
	stored := stamp(m, 1)
	s.records[m.FeatureID] = stored
	s.notifyLocked(stored)
	return stored.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, m *manifest.Manifest, expected int64) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[m.FeatureID]
	if !ok {
		return nil, notFound("compare-and-swap", m.FeatureID)
	}
	if cur.Version != expected {
		return nil, conflict("compare-and-swap", m.FeatureID, expected, cur.Version)
	}
	stored := stamp(m, expected+1)
	s.records[m.FeatureID] = stored
	s.notifyLocked(stored)
	return stored.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Watch(ctx context.Context, featureID string) (<-chan *manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[featureID]
	if !ok {
		return nil, notFound("watch", featureID)
	}
	ch := make(chan *manifest.Manifest, 16)
	ch <- cur.Clone()
	s.watchers[featureID] = append(s.watchers[featureID], ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.watchers[featureID]
		for i, c := range subs {
			if c == ch {
				s.watchers[featureID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// notifyLocked delivers without blocking; a watcher with a full buffer misses
// the update.
func (s *MemoryStore) notifyLocked(m *manifest.Manifest) {
	for _, ch := range s.watchers[m.FeatureID] {
		select {
		case ch <- m.Clone():
		default:
		}
	}
}

func (s *MemoryStore) Close() error { return nil }
