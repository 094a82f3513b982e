// Package config loads stepwise settings from .stepwise/config.yaml and
// STEPWISE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// Dir is the project directory stepwise keeps its state in.
	Dir = ".stepwise"
	// FileName is the config file inside Dir.
	FileName = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "STEPWISE_"

	maxConfigFileSize = 1024 * 1024
)

// Backend names a manifest store implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendNATS     Backend = "nats"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

type NATS struct {
	URL      string `koanf:"url"`
	Bucket   string `koanf:"bucket"`
	Embedded bool   `koanf:"embedded"`
}

type Postgres struct {
	DSN string `koanf:"dsn"`
}

type Store struct {
	Backend  Backend  `koanf:"backend"`
	Dir      string   `koanf:"dir"`
	NATS     NATS     `koanf:"nats"`
	Postgres Postgres `koanf:"postgres"`
}

type Workflow struct {
	DefinitionsDir string        `koanf:"definitions_dir"`
	RetryCeiling   int           `koanf:"retry_ceiling"`
	StaleAfter     time.Duration `koanf:"stale_after"`
	ArtifactsDir   string        `koanf:"artifacts_dir"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTP struct {
	Addr string `koanf:"addr"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// GateMode overrides how `stepwise run` handles a step's human gate.
type GateMode string

const (
	// GateAuto approves the gate without asking, even without --auto.
	GateAuto GateMode = "auto"
	// GateRequired always asks a person, even with --auto.
	GateRequired GateMode = "required"
)

type Config struct {
	Store    Store    `koanf:"store"`
	Workflow Workflow `koanf:"workflow"`
	Log      Log      `koanf:"log"`
	HTTP     HTTP     `koanf:"http"`
	// Gates maps step ids to a GateMode. File only; there is no env form.
	Gates map[string]GateMode `koanf:"gates"`

	// ProjectRoot is the directory holding .stepwise/. Relative paths in the
	// file are resolved against it.
	ProjectRoot string `koanf:"-"`
}

// keys lists every setting, so env names like STEPWISE_STORE_NATS_URL can be
// mapped back to their dotted key without guessing where underscores split.
var keys = []string{
	"store.backend",
	"store.dir",
	"store.nats.url",
	"store.nats.bucket",
	"store.nats.embedded",
	"store.postgres.dsn",
	"workflow.definitions_dir",
	"workflow.retry_ceiling",
	"workflow.stale_after",
	"workflow.artifacts_dir",
	"log.level",
	"log.format",
	"http.addr",
	"http.rate_limit",
	"http.rate_burst",
}

// Keys returns every dotted setting name.
func Keys() []string {
	return append([]string(nil), keys...)
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}

func envKey(name string) string {
	for _, k := range keys {
		if EnvName(k) == name {
			return k
		}
	}
	return ""
}

// Default returns the built-in settings for a project rooted at root.
func Default(root string) *Config {
	return &Config{
		Store: Store{
			Backend: BackendFile,
			Dir:     filepath.Join(Dir, "manifests"),
			NATS:    NATS{Bucket: "STEPWISE_MANIFESTS"},
		},
		Workflow: Workflow{
			DefinitionsDir: filepath.Join(Dir, "workflows"),
			RetryCeiling:   3,
			StaleAfter:     30 * time.Minute,
			ArtifactsDir:   filepath.Join(Dir, "artifacts"),
		},
		Log:         Log{Level: "info", Format: "console"},
		HTTP:        HTTP{Addr: "127.0.0.1:8080", RateLimit: 20, RateBurst: 40},
		ProjectRoot: root,
	}
}

// Load reads root/.stepwise/config.yaml if present, applies STEPWISE_*
// overrides from the environment and validates the result.
func Load(root string) (*Config, error) {
	k := koanf.New(".")

	path := filepath.Join(root, Dir, FileName)
	if info, err := os.Stat(path); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config: %s is larger than %d bytes", path, maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	// Unknown STEPWISE_* names map to "" and are skipped.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := Default(root)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ProjectRoot = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendMemory:
	case BackendNATS:
		if c.Store.NATS.URL == "" && !c.Store.NATS.Embedded {
			return fmt.Errorf("config: store.nats.url is required unless store.nats.embedded is set")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("config: store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: store.backend %q is not one of file, nats, postgres, memory", c.Store.Backend)
	}
	if c.Store.Backend == BackendFile && c.Store.Dir == "" {
		return fmt.Errorf("config: store.dir is required for the file backend")
	}
	if c.Workflow.RetryCeiling < 1 {
		return fmt.Errorf("config: workflow.retry_ceiling must be at least 1, got %d", c.Workflow.RetryCeiling)
	}
	if c.Workflow.StaleAfter <= 0 {
		return fmt.Errorf("config: workflow.stale_after must be positive, got %s", c.Workflow.StaleAfter)
	}
	if c.Workflow.DefinitionsDir == "" {
		return fmt.Errorf("config: workflow.definitions_dir is required")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("config: http.rate_limit and http.rate_burst must not be negative")
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1 {
		return fmt.Errorf("config: http.rate_burst must be at least 1 when http.rate_limit is set")
	}
	for step, mode := range c.Gates {
		if mode != GateAuto && mode != GateRequired {
			return fmt.Errorf("config: gates.%s %q is not auto or required", step, mode)
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is not json or console", c.Log.Format)
	}
	return nil
}

// Path resolves p against the project root unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

func (c *Config) StoreDir() string       { return c.Path(c.Store.Dir) }
func (c *Config) DefinitionsDir() string { return c.Path(c.Workflow.DefinitionsDir) }
func (c *Config) ArtifactsDir() string   { return c.Path(c.Workflow.ArtifactsDir) }

// FindProjectRoot walks up from dir looking for a .stepwise directory.
func FindProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, Dir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s/ directory found (searched from cwd to root); run 'stepwise init'", Dir)
		}
		dir = parent
	}
}
