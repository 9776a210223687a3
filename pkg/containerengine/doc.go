// Package containerengine is the seam between KernelLifecycle and the
// container daemon. KernelLifecycle only ever talks to the Engine
// interface; ContainerdEngine is the production adapter, grounded in
// containerd's Go SDK.
package containerengine
