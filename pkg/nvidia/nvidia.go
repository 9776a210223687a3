// Package nvidia scopes NVIDIA GPU device bindings for kernels whose
// image declares nvidia.enabled. The actual device enumeration and driver
// library discovery is host/driver-version specific; Helper is the seam
// KernelLifecycle depends on so that detail stays out of the core state
// machine.
package nvidia

import (
	"context"

	"github.com/cuemby/kernel-agent/pkg/containerengine"
)

// Helper scopes GPU device bindings to a NUMA node, mirroring the
// affinity KernelLifecycle already applies to CPU allocation: a kernel
// should get the GPU(s) topologically close to the cores it was granted.
type Helper interface {
	// Binds returns the host library/device bind mounts (read-only)
	// needed for the container's CUDA runtime to find its driver
	// libraries, scoped to numaNode.
	Binds(ctx context.Context, numaNode int) ([]containerengine.Mount, error)

	// Devices returns the device nodes (e.g. /dev/nvidia0) to pass
	// through, scoped to numaNode.
	Devices(ctx context.Context, numaNode int) ([]containerengine.Device, error)
}

// Noop is the default Helper for hosts with no GPUs, or when
// nvidia.enabled was never requested. Every call returns no bindings.
type Noop struct{}

func (Noop) Binds(ctx context.Context, numaNode int) ([]containerengine.Mount, error) {
	return nil, nil
}

func (Noop) Devices(ctx context.Context, numaNode int) ([]containerengine.Device, error) {
	return nil, nil
}
