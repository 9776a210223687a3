package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kernel-agent/pkg/types"
)

func TestDiffDetectsNewAndModifiedFiles(t *testing.T) {
	before := []types.FileStat{
		{Name: "a.txt", Size: 10, ModTime: 100},
		{Name: "b.txt", Size: 20, ModTime: 100},
	}
	after := []types.FileStat{
		{Name: "a.txt", Size: 10, ModTime: 100}, // unchanged
		{Name: "b.txt", Size: 25, ModTime: 150}, // modified
		{Name: "c.txt", Size: 5, ModTime: 200},  // new
	}

	got := Diff(before, after)
	assert.ElementsMatch(t, []string{"b.txt", "c.txt"}, got)
}

func TestDiffEmptyWhenNothingChanged(t *testing.T) {
	stats := []types.FileStat{{Name: "a.txt", Size: 1, ModTime: 1}}
	assert.Empty(t, Diff(stats, stats))
}

func TestLocalSinkUploadCopiesFiles(t *testing.T) {
	workdir := t.TempDir()
	destRoot := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "out.txt"), []byte("hello"), 0o644))

	sink := NewLocalSink(destRoot)
	require.NoError(t, sink.Upload(context.Background(), "entry-1", workdir, []string{"out.txt"}))

	data, err := os.ReadFile(filepath.Join(destRoot, "entry-1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocalSinkUploadSkipsMissingFiles(t *testing.T) {
	workdir := t.TempDir()
	destRoot := t.TempDir()

	sink := NewLocalSink(destRoot)
	assert.NoError(t, sink.Upload(context.Background(), "entry-2", workdir, []string{"missing.txt"}), "expected missing files to be tolerated")
}
