package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jorge-barreto/stepwise/internal/fault"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Catalog maps definition versions to loaded definitions. Versions are
// immutable: once a version is registered its content cannot change.
type Catalog struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog returns an empty in-memory catalog. Install is unavailable
// until the catalog is bound to a directory with LoadCatalog.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition)}
	for _, def := range defs {
		if err := c.Add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads every .yaml, .yml and .json file in dir. A missing
// directory yields an empty catalog bound to dir.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, defs: make(map[string]*Definition)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading definitions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.Add(def); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return c, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Dir returns the directory backing the catalog, or "" for in-memory catalogs.
func (c *Catalog) Dir() string { return c.dir }

// Add registers def. Registering identical content twice is a no-op;
// different content under an existing version is a DefinitionError.
func (c *Catalog) Add(def *Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(def)
}

func (c *Catalog) addLocked(def *Definition) error {
	existing, ok := c.defs[def.Version()]
	if !ok {
		c.defs[def.Version()] = def
		return nil
	}
	same, err := sameContent(existing, def)
	if err != nil {
		return err
	}
	if !same {
		return fault.New(fault.DefinitionError, "version %q is already registered with different content", def.Version())
	}
	return nil
}

// Install loads the definition at path and copies it into the catalog
// directory under its version.
func (c *Catalog) Install(path string) (*Definition, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if c.dir == "" {
		return def, c.Add(def)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.defs[def.Version()]; ok {
		if err := c.addLocked(def); err != nil {
			return nil, err
		}
		return existing, nil
	}

	data, err := Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encoding definition %s: %w", def.Version(), err)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating definitions dir: %w", err)
	}
	dest := filepath.Join(c.dir, FileName(def.Version()))
	if _, err := os.Stat(dest); err == nil {
		return nil, fault.New(fault.DefinitionError, "catalog file %s already exists", dest)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return nil, fmt.Errorf("writing definition: %w", err)
	}
	c.defs[def.Version()] = def
	return def, nil
}

// Get returns the definition registered under version.
func (c *Catalog) Get(version string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[version]
	if !ok {
		return nil, fault.New(fault.DefinitionError, "unknown definition version %q", version)
	}
	return def, nil
}

// Resolve accepts either a registered version or a path to a definition
// file. Files are installed first.
func (c *Catalog) Resolve(ref string) (*Definition, error) {
	if isDefinitionFile(ref) {
		if info, err := os.Stat(ref); err == nil && !info.IsDir() {
			return c.Install(ref)
		}
	}
	return c.Get(ref)
}

// Versions lists the registered versions in lexical order.
func (c *Catalog) Versions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for v := range c.defs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// FileName returns the catalog file name used for version.
func FileName(version string) string {
	return unsafeFileChars.ReplaceAllString(version, "-") + ".yaml"
}

func sameContent(a, b *Definition) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
