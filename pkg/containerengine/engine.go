// Package containerengine defines the abstract boundary between
// KernelLifecycle and whatever container daemon actually backs a kernel.
// The core never imports a specific daemon's client directly — it depends
// on the Engine interface, satisfied in production by a containerd-backed
// adapter.
package containerengine

import (
	"context"
	"fmt"

	"github.com/cuemby/kernel-agent/pkg/types"
)

// ImagePrefix is prepended to a resolved language tag to form the image
// reference requested at create time (e.g. "python3" -> "cuemby/kernel-python3").
const ImagePrefix = "cuemby/kernel-"

// ImageName returns the image reference for a resolved language tag.
func ImageName(lang string) string {
	return fmt.Sprintf("%s%s", ImagePrefix, lang)
}

// ContainerName returns the engine-facing container name for a kernel,
// in the "kernel.<lang>.<id>" format EventMonitor parses back out of die
// events.
func ContainerName(lang string, id types.KernelId) string {
	return fmt.Sprintf("kernel.%s.%s", lang, id.String())
}

// Mount is a single bind mount applied to a kernel's container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Device is a host device node passed through to a kernel's container
// (used for NVIDIA device bindings).
type Device struct {
	HostPath      string
	ContainerPath string
}

// ContainerSpec describes the container to create for one kernel, per the
// fields the kernel image contract requires.
type ContainerSpec struct {
	Name          string // "kernel.<lang>.<id>"
	Image         string
	Env           map[string]string
	Mounts        []Mount
	Devices       []Device
	MemLimitBytes int64
	CoreSet       types.CoreSet
	ExposedPorts  []int // container-side TCP ports, published to ephemeral host ports
}

// PortBinding is one container-port -> host-port mapping assigned at
// start time.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// Handle is an opaque reference to a created container.
type Handle struct {
	ContainerID string
}

// EventAction is the kind of lifecycle event an engine reports through
// Events().
type EventAction string

// EventDie is the action EventMonitor watches for: the container's
// process exited (successfully or not).
const EventDie EventAction = "die"

// Event is one container lifecycle notification from the engine's event
// stream.
type Event struct {
	Action        EventAction
	ContainerName string
}

// Engine is the abstract container daemon the kernel lifecycle depends
// on. Implementations own their own reconnect policy for Events(); a
// stream that terminates from inactivity or transport failure must be
// re-established transparently to the caller, or the caller must detect
// closure and resubscribe.
type Engine interface {
	// InspectImage resolves the labels baked into an image: version,
	// maxmem, timeout, envs.corecount, maxcores, nvidia.enabled.
	InspectImage(ctx context.Context, image string) (types.ImageLabels, error)

	// Create creates (but does not start) a container from spec,
	// returning a handle for subsequent operations.
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)

	// Start starts a previously created container and returns the host
	// ports bound to each of spec.ExposedPorts, in the same order.
	Start(ctx context.Context, h Handle, exposedPorts []int) ([]PortBinding, error)

	// ContainerIP returns the container's assigned IP address.
	ContainerIP(ctx context.Context, h Handle) (string, error)

	// Kill sends the container's stop signal. Engines report "not
	// running" and "no such container" as distinguishable errors via
	// IsNotRunning/IsNotFound so Destroy can apply its tolerance rules.
	Kill(ctx context.Context, h Handle) error

	// Delete removes a container and its resources. "already in
	// progress" and "no such container" are tolerated by the caller via
	// IsNotFound.
	Delete(ctx context.Context, h Handle) error

	// ListVolumes reports the names of volumes the engine currently
	// knows about, used to filter a language's auxiliary-volume table
	// down to what actually exists.
	ListVolumes(ctx context.Context) (map[string]struct{}, error)

	// Events returns a channel of container lifecycle events. The
	// channel closes when the subscription ends; callers should treat
	// closure as a signal to resubscribe.
	Events(ctx context.Context) (<-chan Event, error)
}

// NotRunningError indicates an engine refused to kill a container that
// was already stopped.
type NotRunningError struct{ Handle Handle }

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("container %s: not running", e.Handle.ContainerID)
}

// NotFoundError indicates the engine has no record of the container,
// either because it never existed in this process generation or because
// it has already been removed.
type NotFoundError struct{ Handle Handle }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("container %s: not found", e.Handle.ContainerID)
}

// IsNotRunning reports whether err is a NotRunningError.
func IsNotRunning(err error) bool {
	_, ok := err.(*NotRunningError)
	return ok
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
