package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAliasesResolve(t *testing.T) {
	aliases := DefaultAliases()
	assert.Equal(t, "python3", aliases.Resolve("python"))
	assert.Equal(t, "python3", aliases.Resolve("python3"), "unknown alias falls through to itself")
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("python3"))
	assert.False(t, IsSupported("cobol9"))
}

func TestLoadAliasFileMergesOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	content := "mypy: python3\npython: python2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	merged, err := LoadAliasFile(path, DefaultAliases())
	require.NoError(t, err)
	assert.Equal(t, "python3", merged.Resolve("mypy"), "file-defined alias")
	assert.Equal(t, "python2", merged.Resolve("python"), "file entry overrides base")
}

func TestLoadAliasFileEmptyPathReturnsBase(t *testing.T) {
	merged, err := LoadAliasFile("", DefaultAliases())
	require.NoError(t, err)
	assert.Equal(t, "python3", merged.Resolve("python"))
}

func TestDefaultConfig(t *testing.T) {
	c := Default()
	assert.Equal(t, 6001, c.AgentPort)
	assert.Equal(t, 180, c.ExecTimeoutS)
	assert.Equal(t, 600, c.IdleTimeoutS)
	assert.Equal(t, 1, c.MaxKernels)
}
