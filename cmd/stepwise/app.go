package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jorge-barreto/stepwise/internal/config"
	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/logging"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/metrics"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
	"github.com/jorge-barreto/stepwise/internal/store"
)

// app bundles everything a command needs once the project is located.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *definition.Catalog
	store   store.Store
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

// usageError marks mistakes in how a command was invoked.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) || errors.Is(err, store.ErrInvalidFeatureID) {
		return fault.ExitUsage
	}
	return fault.ExitCode(err)
}

// loadConfig finds the project root from cwd and loads its config.
func loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := config.FindProjectRoot(cwd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// loadCatalog opens the project's definitions without touching the store.
func loadCatalog() (*config.Config, *definition.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	catalog, err := definition.LoadCatalog(cfg.DefinitionsDir())
	if err != nil {
		return nil, nil, err
	}
	return cfg, catalog, nil
}

// openApp loads config, the catalog and the configured store. The caller
// must call close.
func openApp(ctx context.Context) (*app, error) {
	cfg, catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New(prometheus.NewRegistry())
	orch := orchestrator.New(s, catalog,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithPolicy(machine.Policy{
			RetryCeiling: cfg.Workflow.RetryCeiling,
			StaleAfter:   cfg.Workflow.StaleAfter,
		}),
	)
	return &app{cfg: cfg, logger: logger, catalog: catalog, store: s, metrics: m, orch: orch}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendFile:
		return store.NewFileStore(cfg.StoreDir(), logger)
	case config.BackendNATS:
		return store.OpenNATS(ctx, store.NATSOptions{
			URL:      cfg.Store.NATS.URL,
			Bucket:   cfg.Store.NATS.Bucket,
			Embedded: cfg.Store.NATS.Embedded,
			StoreDir: cfg.StoreDir(),
		}, logger)
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, cfg.Store.Postgres.DSN)
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// parseOutputs merges an optional outputs file (a JSON or YAML map of
// output name to reference) with name=ref pairs given on the command line.
// Pairs win over the file.
func parseOutputs(path string, pairs []string) (map[string]string, error) {
	out := make(map[string]string)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading outputs file: %w", err)
		}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parsing outputs file %s: %w", path, err)
		}
	}
	for _, p := range pairs {
		name, ref, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, usagef("--output %q must be name=ref", p)
		}
		out[strings.TrimSpace(name)] = ref
	}
	return out, nil
}

// actor names the person or process behind CLI-issued changes.
func actor(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
