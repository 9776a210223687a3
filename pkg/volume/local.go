package volume

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/log"
)

// DefaultHostRoot is where auxiliary volumes are expected to live on the
// host, named by their engine volume name.
const DefaultHostRoot = "/var/lib/kernel-agent/aux-volumes"

// AuxiliaryVolume names one extra mount a language's container wants
// beyond its workdir bind, e.g. a shared read-only samples directory.
type AuxiliaryVolume struct {
	Name          string // engine-level volume name, checked against ListVolumes
	ContainerPath string
	ReadOnly      bool
}

// Table maps a resolved language tag to the auxiliary volumes it wants.
// Languages absent from the table get none. This mirrors the original
// agent's static per-language extra-volumes map (e.g. every TensorFlow
// image wanting a shared deeplearning-samples volume); it is intentionally
// a fixed table, not something the RPC caller can extend per request.
type Table map[string][]AuxiliaryVolume

// DefaultTable is the built-in auxiliary volume table.
var DefaultTable = Table{
	"python3-tensorflow": {
		{Name: "deeplearning-samples", ContainerPath: "/home/work/samples", ReadOnly: true},
	},
	"python3-tensorflow-gpu": {
		{Name: "deeplearning-samples", ContainerPath: "/home/work/samples", ReadOnly: true},
	},
}

// Resolver resolves a language's auxiliary volume table entries down to
// the subset the container engine actually has, warning and skipping any
// that are missing rather than failing the kernel create.
type Resolver struct {
	table    Table
	engine   containerengine.Engine
	hostRoot string
}

// NewResolver builds a Resolver over table, querying engine for volume
// existence. hostRoot defaults to DefaultHostRoot when empty.
func NewResolver(table Table, engine containerengine.Engine, hostRoot string) *Resolver {
	if table == nil {
		table = DefaultTable
	}
	if hostRoot == "" {
		hostRoot = DefaultHostRoot
	}
	return &Resolver{table: table, engine: engine, hostRoot: hostRoot}
}

// Resolve returns the bind mounts for lang's auxiliary volumes that
// currently exist in the engine. Missing volumes are logged and skipped,
// never surfaced as a Create failure.
func (r *Resolver) Resolve(ctx context.Context, lang string) ([]containerengine.Mount, error) {
	wanted, ok := r.table[lang]
	if !ok || len(wanted) == 0 {
		return nil, nil
	}

	existing, err := r.engine.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve auxiliary volumes for %s: %w", lang, err)
	}

	mounts := make([]containerengine.Mount, 0, len(wanted))
	for _, av := range wanted {
		if _, ok := existing[av.Name]; !ok {
			log.WithComponent("volume").Warn().
				Str("lang", lang).
				Str("volume", av.Name).
				Msg("auxiliary volume not found in engine, skipping")
			continue
		}
		mounts = append(mounts, containerengine.Mount{
			Source:      filepath.Join(r.hostRoot, av.Name),
			Destination: av.ContainerPath,
			ReadOnly:    av.ReadOnly,
		})
	}
	return mounts, nil
}
