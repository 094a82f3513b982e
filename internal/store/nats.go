package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "STEPWISE_MANIFESTS"

// NATSOptions selects how the store reaches JetStream.
type NATSOptions struct {
	URL    string
	Bucket string
	// Embedded starts an in-process server persisting under StoreDir.
	Embedded bool
	StoreDir string
}

// NATSStore keeps manifests in a JetStream key-value bucket. The KV
// revision is the CAS token; the manifest version travels in the payload.
type NATSStore struct {
	kv     jetstream.KeyValue
	conn   *nats.Conn
	server *server.Server
	logger *zap.Logger
}

// NewNATSStore wraps an existing bucket. The caller owns the connection.
func NewNATSStore(kv jetstream.KeyValue, logger *zap.Logger) *NATSStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSStore{kv: kv, logger: logger}
}

// OpenNATS connects (or starts an embedded server), then opens or creates
// the bucket. Close releases everything it started.
func OpenNATS(ctx context.Context, opts NATSOptions, logger *zap.Logger) (*NATSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NATSStore{logger: logger}

	url := opts.URL
	if opts.Embedded {
		ns, err := StartEmbeddedNATS(opts.StoreDir)
		if err != nil {
			return nil, err
		}
		s.server = ns
		url = ns.ClientURL()
		logger.Info("embedded nats started", zap.String("url", url), zap.String("store_dir", opts.StoreDir))
	}
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("stepwise"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	s.kv = kv
	return s, nil
}

// StartEmbeddedNATS runs a JetStream-enabled server on a random port.
func StartEmbeddedNATS(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "stepwise feature manifests",
		History:     10,
	})
}

func (s *NATSStore) entry(ctx context.Context, op, featureID string) (jetstream.KeyValueEntry, *manifest.Manifest, error) {
	if err := ValidateFeatureID(featureID); err != nil {
		return nil, nil, notFound(op, featureID)
	}
	e, err := s.kv.Get(ctx, featureID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, nil, notFound(op, featureID)
		}
		return nil, nil, fmt.Errorf("get %s: %w", featureID, err)
	}
	m, err := manifest.Decode(e.Value())
	if err != nil {
		return nil, nil, err
	}
	return e, m, nil
}

func (s *NATSStore) Get(ctx context.Context, featureID string) (*manifest.Manifest, error) {
	_, m, err := s.entry(ctx, "get", featureID)
	return m, err
}

func (s *NATSStore) Create(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := ValidateFeatureID(m.FeatureID); err != nil {
		return nil, err
	}
	stored := stamp(m, 1)
	data, err := manifest.Encode(stored)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Create(ctx, m.FeatureID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, duplicate("create", m.FeatureID)
		}
		return nil, fmt.Errorf("create %s: %w", m.FeatureID, err)
	}
	return stored, nil
}

func (s *NATSStore) CompareAndSwap(ctx context.Context, m *manifest.Manifest, expected int64) (*manifest.Manifest, error) {
	e, cur, err := s.entry(ctx, "compare-and-swap", m.FeatureID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expected {
		return nil, conflict("compare-and-swap", m.FeatureID, expected, cur.Version)
	}
	stored := stamp(m, expected+1)
	data, err := manifest.Encode(stored)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Update(ctx, m.FeatureID, data, e.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Another writer committed between our read and update.
			actual := expected + 1
			if _, latest, gerr := s.entry(ctx, "compare-and-swap", m.FeatureID); gerr == nil {
				actual = latest.Version
			}
			return nil, conflict("compare-and-swap", m.FeatureID, expected, actual)
		}
		return nil, fmt.Errorf("update %s: %w", m.FeatureID, err)
	}
	return stored, nil
}

func (s *NATSStore) List(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer lister.Stop()
	var ids []string
	for k := range lister.Keys() {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch streams the key's history from its latest value onwards.
func (s *NATSStore) Watch(ctx context.Context, featureID string) (<-chan *manifest.Manifest, error) {
	if err := ValidateFeatureID(featureID); err != nil {
		return nil, notFound("watch", featureID)
	}
	if _, _, err := s.entry(ctx, "watch", featureID); err != nil {
		return nil, err
	}
	w, err := s.kv.Watch(ctx, featureID)
	if err != nil {
		return nil, fmt.Errorf("create kv watcher: %w", err)
	}
	ch := make(chan *manifest.Manifest, 1)
	go func() {
		defer close(ch)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values.
				if e == nil || e.Operation() != jetstream.KeyValuePut {
					continue
				}
				m, err := manifest.Decode(e.Value())
				if err != nil {
					s.logger.Warn("skipping undecodable manifest", zap.String("feature", featureID), zap.Error(err))
					continue
				}
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

func (s *NATSStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
	return nil
}
