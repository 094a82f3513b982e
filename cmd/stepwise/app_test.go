package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/stepwise/internal/config"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/store"
)

func TestParseOutputs(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "outputs.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("prd.md: docs/prd.md#sha256:abc\nnotes.md: docs/notes.md\n"), 0644))
	jsonPath := filepath.Join(dir, "outputs.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"design.md": "docs/design.md"}`), 0644))

	got, err := parseOutputs(yamlPath, []string{"notes.md=docs/notes-v2.md"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"prd.md":   "docs/prd.md#sha256:abc",
		"notes.md": "docs/notes-v2.md",
	}, got)

	got, err = parseOutputs(jsonPath, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"design.md": "docs/design.md"}, got)

	got, err = parseOutputs("", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseOutputs("", []string{"no-equals"})
	assert.Equal(t, fault.ExitUsage, exitCode(err))

	_, err = parseOutputs(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, fault.ExitUsage, exitCode(usagef("usage: stepwise next <feature>")))
	assert.Equal(t, 15, exitCode(fault.New(fault.VersionConflict, "moved")))
	assert.Equal(t, fault.ExitGeneric, exitCode(errors.New("boom")))
	assert.Equal(t, fault.ExitUsage, exitCode(store.ValidateFeatureID("a b")))
}

func TestActor(t *testing.T) {
	assert.Equal(t, "ana", actor("ana"))
	t.Setenv("USER", "lee")
	assert.Equal(t, "lee", actor(""))
	t.Setenv("USER", "")
	assert.Equal(t, "cli", actor(""))
}

func TestOpenStore(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)

	s, err := openStore(t.Context(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, s)
	assert.DirExists(t, cfg.StoreDir())

	cfg.Store.Backend = config.BackendMemory
	s, err = openStore(t.Context(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)

	cfg.Store.Backend = "etcd"
	_, err = openStore(t.Context(), cfg, nil)
	assert.Error(t, err)
}
