// Package rpc exposes KernelLifecycle and ExecutionRelay as the six plain
// Go operations of the manager-facing surface. It stops at the operation
// boundary: framing those operations onto a wire (the teacher's generated
// protobuf/gRPC client) is out of this package's scope, the same way
// containerengine.Engine stops at the container-runtime boundary.
package rpc

import (
	"context"

	"github.com/cuemby/kernel-agent/pkg/lifecycle"
	"github.com/cuemby/kernel-agent/pkg/types"
)

// Facade is the six-method surface of §6.1, each delegating to Lifecycle
// and performing only the translation §4.7 calls out (alias resolution and
// execute_code's runner-task bookkeeping already live inside Lifecycle; the
// façade adds none of its own).
type Facade struct {
	lifecycle    *lifecycle.Lifecycle
	execTimeoutS int
}

// New builds a Facade over lc. execTimeoutS is the default execute_code
// timeout applied when a KernelRecord does not carry its own
// (image-label-derived) value.
func New(lc *lifecycle.Lifecycle, execTimeoutS int) *Facade {
	return &Facade{lifecycle: lc, execTimeoutS: execTimeoutS}
}

// Ping is the bare liveness check.
func (f *Facade) Ping(ctx context.Context, msg string) (string, error) {
	return msg, nil
}

// CreateKernelResult is create_kernel's RPC result.
type CreateKernelResult struct {
	KernelID   string
	StdinPort  int
	StdoutPort int
}

// CreateKernel resolves lang's alias (inside Lifecycle.Create) and starts a
// new kernel.
func (f *Facade) CreateKernel(ctx context.Context, lang string, opts map[string]interface{}) (CreateKernelResult, error) {
	result, err := f.lifecycle.Create(ctx, lang, lifecycle.CreateOpts{})
	if err != nil {
		return CreateKernelResult{}, err
	}
	return CreateKernelResult{
		KernelID:   result.KernelID.String(),
		StdinPort:  result.StdinPort,
		StdoutPort: result.StdoutPort,
	}, nil
}

// DestroyKernel destroys kernelID with reason user-requested.
func (f *Facade) DestroyKernel(ctx context.Context, kernelID string) error {
	return f.lifecycle.Destroy(ctx, types.KernelId(kernelID), types.ReasonUserRequested)
}

// RestartKernelResult is restart_kernel's RPC result.
type RestartKernelResult struct {
	StdinPort  int
	StdoutPort int
}

// RestartKernel destroys and recreates kernelID in place, preserving its id
// and core set.
func (f *Facade) RestartKernel(ctx context.Context, kernelID string) (RestartKernelResult, error) {
	result, err := f.lifecycle.Restart(ctx, types.KernelId(kernelID))
	if err != nil {
		return RestartKernelResult{}, err
	}
	return RestartKernelResult{StdinPort: result.StdinPort, StdoutPort: result.StdoutPort}, nil
}

// ExecuteCodeParams are execute_code's RPC arguments.
type ExecuteCodeParams struct {
	EntryID  string
	KernelID string
	CodeID   string
	Code     string
	Match    *types.MatchSpec
}

// ExecuteCode runs one execute_code call against kernelID's relay session,
// delegating to Lifecycle.ExecuteCode so the runner-task-active bookkeeping
// that lets a concurrent Destroy cancel the call stays inside Lifecycle's
// sole ownership of the registry.
func (f *Facade) ExecuteCode(ctx context.Context, p ExecuteCodeParams) (types.ExecResult, error) {
	return f.lifecycle.ExecuteCode(ctx, types.KernelId(p.KernelID), lifecycle.ExecuteCodeParams{
		EntryID: p.EntryID,
		CodeID:  p.CodeID,
		Code:    p.Code,
		Match:   p.Match,
	}, f.execTimeoutS)
}

// Reset destroys every live kernel and awaits completion.
func (f *Facade) Reset(ctx context.Context) error {
	return f.lifecycle.Reset(ctx)
}
