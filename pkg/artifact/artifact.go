// Package artifact defines the ArtifactSink boundary: what happens to
// files an execution newly created or modified in a kernel's workdir.
// Object-store upload is external to the core per the agent's scope, so
// this package only defines the interface and a filesystem-local default
// useful for tests and single-node deployments.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/kernel-agent/pkg/types"
)

// Sink consumes the files an execution produced or modified, identified
// by the diff between the workdir snapshot taken before the run and the
// one taken after. Paths are relative to the kernel's workdir.
type Sink interface {
	Upload(ctx context.Context, entryID string, workdir string, paths []string) error
}

// Diff computes the names of files that are new or changed between
// before and after, comparing by name, size, and modification time.
func Diff(before, after []types.FileStat) []string {
	prior := make(map[string]types.FileStat, len(before))
	for _, f := range before {
		prior[f.Name] = f
	}

	var changed []string
	for _, f := range after {
		prev, existed := prior[f.Name]
		if !existed || prev.Size != f.Size || prev.ModTime != f.ModTime {
			changed = append(changed, f.Name)
		}
	}
	return changed
}

// MaxUploadBytes is the per-file cap applied symmetrically when the relay
// snapshots a workdir (both the initial and final scan skip files larger
// than this).
const MaxUploadBytes = 5 * 1024 * 1024

// LocalSink copies artifacts into a per-entry directory on the local
// filesystem, standing in for a real object-store client.
type LocalSink struct {
	DestRoot string
}

// NewLocalSink builds a LocalSink rooted at destRoot.
func NewLocalSink(destRoot string) *LocalSink {
	return &LocalSink{DestRoot: destRoot}
}

// Upload copies each named path from workdir into DestRoot/entryID,
// preserving relative structure. Missing source files are skipped rather
// than failing the whole batch: the snapshot diff may include files
// cleaned up again before upload runs.
func (s *LocalSink) Upload(ctx context.Context, entryID string, workdir string, paths []string) error {
	destDir := filepath.Join(s.DestRoot, entryID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("artifact upload: mkdir %s: %w", destDir, err)
	}

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(workdir, rel)
		dst := filepath.Join(destDir, rel)
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("artifact upload: copy %s: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
