package definition

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/stepwise/internal/fault"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, c.Versions())
}

func TestLoadCatalog_ReadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "version: a\nsteps:\n  - id: x\n")
	writeFile(t, dir, "b.json", `{"version":"b","steps":[{"id":"y"}]}`)
	writeFile(t, dir, "notes.txt", "ignored")

	c, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.Versions())

	def, err := c.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, def.StepIDs())
}

func TestLoadCatalog_ConflictingVersions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "version: a\nsteps:\n  - id: x\n")
	writeFile(t, dir, "a2.yaml", "version: a\nsteps:\n  - id: other\n")

	_, err := LoadCatalog(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.DefinitionError))
}

func TestCatalog_GetUnknown(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)
	_, err = c.Get("missing")
	assert.ErrorIs(t, err, fault.DefinitionError)
}

func TestCatalog_InstallCopiesFile(t *testing.T) {
	catDir := filepath.Join(t.TempDir(), "defs")
	c, err := LoadCatalog(catDir)
	require.NoError(t, err)

	src := writeFile(t, t.TempDir(), "wf.yaml", sampleYAML)
	def, err := c.Install(src)
	require.NoError(t, err)
	assert.Equal(t, "doc-pipeline/v1", def.Version())

	_, err = os.Stat(filepath.Join(catDir, "doc-pipeline-v1.yaml"))
	require.NoError(t, err)

	reloaded, err := LoadCatalog(catDir)
	require.NoError(t, err)
	got, err := reloaded.Get("doc-pipeline/v1")
	require.NoError(t, err)
	assert.Equal(t, def.TopologicalOrder(), got.TopologicalOrder())
}

func TestCatalog_InstallSameContentIsIdempotent(t *testing.T) {
	c, err := LoadCatalog(t.TempDir())
	require.NoError(t, err)
	src := writeFile(t, t.TempDir(), "wf.yaml", sampleYAML)

	first, err := c.Install(src)
	require.NoError(t, err)
	second, err := c.Install(src)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCatalog_InstallRejectsChangedVersion(t *testing.T) {
	c, err := LoadCatalog(t.TempDir())
	require.NoError(t, err)
	tmp := t.TempDir()
	_, err = c.Install(writeFile(t, tmp, "one.yaml", "version: v1\nsteps:\n  - id: a\n"))
	require.NoError(t, err)

	_, err = c.Install(writeFile(t, tmp, "two.yaml", "version: v1\nsteps:\n  - id: a\n  - id: b\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.DefinitionError)
	assert.Contains(t, err.Error(), "different content")
}

func TestCatalog_Resolve(t *testing.T) {
	c, err := LoadCatalog(t.TempDir())
	require.NoError(t, err)
	path := writeFile(t, t.TempDir(), "wf.yml", "version: r1\nsteps:\n  - id: a\n")

	def, err := c.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "r1", def.Version())

	byVersion, err := c.Resolve("r1")
	require.NoError(t, err)
	assert.Same(t, def, byVersion)

	_, err = c.Resolve("does-not-exist.yaml")
	assert.ErrorIs(t, err, fault.DefinitionError)
}
