// Package statsprobe defines StatsProbe, the abstract per-container
// resource sampler PeriodicTasks and Destroy use to capture usage before
// a kernel's container is killed. Reading cgroup accounting files is
// engine/runtime specific and explicitly out of the core's scope; this
// package only defines the seam and a cgroup-v2-backed default.
package statsprobe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/kernel-agent/pkg/types"
)

// Probe samples a container's current CPU/memory usage.
type Probe interface {
	Sample(ctx context.Context, containerID string) (types.StatsSample, error)
}

// CgroupV2Probe reads /sys/fs/cgroup/<scope>/<containerID>/memory.current,
// the layout containerd's default cgroup driver produces for a container's
// task. It does not read cpu.stat.
type CgroupV2Probe struct {
	CgroupRoot string // e.g. /sys/fs/cgroup/kernel-agent.slice
}

// NewCgroupV2Probe builds a probe rooted at cgroupRoot.
func NewCgroupV2Probe(cgroupRoot string) *CgroupV2Probe {
	return &CgroupV2Probe{CgroupRoot: cgroupRoot}
}

// Sample reads the container's current memory usage into MemUsedBytes.
// CPU usage is not sampled: CPUPercent and CapturedAt are left at 0, and
// no caller derives a CPU rate from consecutive samples.
func (p *CgroupV2Probe) Sample(ctx context.Context, containerID string) (types.StatsSample, error) {
	dir := filepath.Join(p.CgroupRoot, containerID)

	mem, err := readUintFile(filepath.Join(dir, "memory.current"))
	if err != nil {
		return types.StatsSample{}, fmt.Errorf("sample %s: %w", containerID, err)
	}

	return types.StatsSample{MemUsedBytes: mem}, nil
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, nil
}
