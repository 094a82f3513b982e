package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jorge-barreto/stepwise/internal/manifest"
)

const schema = `CREATE TABLE IF NOT EXISTS manifests (
	feature_id TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps manifests in a single table. CAS is an UPDATE guarded
// by the version column.
type PostgresStore struct {
	db    *pgxpool.Pool
	owned bool
}

// NewPostgresStore wraps an existing pool. Call Migrate before first use.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn, pings and migrates. Close shuts the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStore{db: pool, owned: true}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the manifests table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrating manifests table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, featureID string) (*manifest.Manifest, error) {
	var body []byte
	err := s.db.QueryRow(ctx, "SELECT body FROM manifests WHERE feature_id = $1", featureID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("get", featureID)
		}
		return nil, fmt.Errorf("get %s: %w", featureID, err)
	}
	return manifest.Decode(body)
}

func (s *PostgresStore) Create(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	if err := ValidateFeatureID(m.FeatureID); err != nil {
		return nil, err
	}
	stored := stamp(m, 1)
	body, err := manifest.Encode(stored)
	if err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		"INSERT INTO manifests (feature_id, version, body) VALUES ($1, $2, $3) ON CONFLICT (feature_id) DO NOTHING",
		m.FeatureID, stored.Version, body)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", m.FeatureID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, duplicate("create", m.FeatureID)
	}
	return stored, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, m *manifest.Manifest, expected int64) (*manifest.Manifest, error) {
	stored := stamp(m, expected+1)
	body, err := manifest.Encode(stored)
	if err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE manifests SET version = $3, body = $4, updated_at = now() WHERE feature_id = $1 AND version = $2",
		m.FeatureID, expected, stored.Version, body)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", m.FeatureID, err)
	}
	if tag.RowsAffected() == 1 {
		return stored, nil
	}

	var actual int64
	err = s.db.QueryRow(ctx, "SELECT version FROM manifests WHERE feature_id = $1", m.FeatureID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("compare-and-swap", m.FeatureID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading version of %s: %w", m.FeatureID, err)
	}
	return nil, conflict("compare-and-swap", m.FeatureID, expected, actual)
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT feature_id FROM manifests ORDER BY feature_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}
