// Package lifecycle implements KernelLifecycle: Create, Destroy, Restart,
// Reset, and Clean for one agent process. It is the only component that
// mutates the registry or the CPU allocator; every other component reaches
// a kernel's state through it.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/kernel-agent/pkg/config"
	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/events"
	"github.com/cuemby/kernel-agent/internal/metrics"
	"github.com/cuemby/kernel-agent/pkg/kernelerr"
	"github.com/cuemby/kernel-agent/pkg/log"
	"github.com/cuemby/kernel-agent/pkg/nvidia"
	"github.com/cuemby/kernel-agent/pkg/registry"
	"github.com/cuemby/kernel-agent/pkg/relay"
	"github.com/cuemby/kernel-agent/pkg/statsprobe"
	"github.com/cuemby/kernel-agent/pkg/types"
	"github.com/cuemby/kernel-agent/pkg/volume"
)

// restartWait is the ceiling Create applies when a kernel_id is already
// mid-restart: §5's 10 s restart ceiling.
const restartWait = 10 * time.Second

// dispatchTimeout bounds every upstream fire-and-forget dispatch.
const dispatchTimeout = time.Second

// Allocator is the subset of cpuset.Allocator the lifecycle needs,
// narrowed so tests can substitute a fake.
type Allocator interface {
	Alloc(n int) (types.CoreSet, error)
	Free(set types.CoreSet)
	Total() int
}

// CreateOpts are the caller-supplied options for Create beyond lang.
type CreateOpts struct {
	// KernelID, if set, requests a specific id (the restart path).
	KernelID types.KernelId
}

// Lifecycle wires the registry, allocator, container engine, and every
// peripheral collaborator (volumes, nvidia, artifact sink via the relay,
// stats probe) into the five operations of §4.3. Every exported method
// assumes it is called from the single cooperative scheduling goroutine;
// Lifecycle performs no locking of its own.
type Lifecycle struct {
	registry   *registry.Registry
	allocator  Allocator
	engine     containerengine.Engine
	volumes    *volume.Resolver
	nvidia     nvidia.Helper
	relay      *relay.Manager
	stats      statsprobe.Probe
	dispatcher events.Dispatcher
	aliases    config.AliasTable
	volumeRoot string
}

// New builds a Lifecycle from its collaborators. aliases is the merged
// alias table (seed plus any --kernel-aliases override).
func New(
	reg *registry.Registry,
	alloc Allocator,
	engine containerengine.Engine,
	volumes *volume.Resolver,
	nv nvidia.Helper,
	rel *relay.Manager,
	stats statsprobe.Probe,
	dispatcher events.Dispatcher,
	aliases config.AliasTable,
	volumeRoot string,
) *Lifecycle {
	return &Lifecycle{
		registry:   reg,
		allocator:  alloc,
		engine:     engine,
		volumes:    volumes,
		nvidia:     nv,
		relay:      rel,
		stats:      stats,
		dispatcher: dispatcher,
		aliases:    aliases,
		volumeRoot: volumeRoot,
	}
}

// CreateResult is what a successful Create returns to the RPC façade.
type CreateResult struct {
	KernelID   types.KernelId
	StdinPort  int
	StdoutPort int
}

// ExecuteCodeParams are execute_code's caller-supplied arguments. The
// kernel's container address, REPL ports, and workdir are filled in from
// its KernelRecord rather than accepted from the caller.
type ExecuteCodeParams struct {
	EntryID string
	CodeID  string
	Code    string
	Match   *types.MatchSpec
}

// ExecuteCode runs one execute_code call against id's relay session. It
// marks the record's RunnerTaskActive for the call's duration, per §4.3
// Destroy step 2 and §5: a concurrent Destroy observes the flag and calls
// relay.Cancel before killing the container, rather than racing it. The
// per-kernel exec timeout (image-label-derived, §4.3 step 4) takes
// precedence over defaultTimeoutS.
func (l *Lifecycle) ExecuteCode(ctx context.Context, id types.KernelId, p ExecuteCodeParams, defaultTimeoutS int) (types.ExecResult, error) {
	rec, ok := l.registry.Get(id)
	if !ok {
		return types.ExecResult{}, fmt.Errorf("execute_code: kernel %s not found", id)
	}
	rec.LastUsed = time.Now().UnixNano()
	rec.NumQueries++

	timeoutS := rec.ExecTimeoutS
	if timeoutS <= 0 {
		timeoutS = defaultTimeoutS
	}

	rec.RunnerTaskActive = true
	timer := metrics.NewTimer()
	result, err := l.relay.Execute(ctx, relay.ExecuteParams{
		EntryID:  p.EntryID,
		KernelID: id,
		CodeID:   p.CodeID,
		Code:     p.Code,
		Match:    p.Match,
		Host:     rec.ContainerIP,
		InPort:   rec.ReplInPort,
		OutPort:  rec.ReplOutPort,
		Workdir:  l.workdir(id),
	}, time.Duration(timeoutS)*time.Second)
	timer.ObserveDuration(metrics.ExecuteCodeDuration)
	rec.RunnerTaskActive = false
	rec.RunnerActive = l.relay.Active(id)

	if err != nil {
		return types.ExecResult{}, err
	}

	if result.Status == types.ExecStatusExecTimeout {
		go func() {
			if derr := l.Destroy(context.Background(), id, types.ReasonExecTimeout); derr != nil {
				log.WithKernelID(id.String()).Warn().Err(derr).Msg("exec-timeout destroy failed")
			}
		}()
	}
	return result, nil
}

// Create implements §4.3's ten-step Create procedure.
func (l *Lifecycle) Create(ctx context.Context, lang string, opts CreateOpts) (CreateResult, error) {
	canonical := l.aliases.Resolve(lang)
	if !config.IsSupported(canonical) {
		return CreateResult{}, kernelerr.New(kernelerr.KindUnsupportedLang, fmt.Sprintf("unsupported language %q", lang))
	}

	isRestart := opts.KernelID != ""
	id := opts.KernelID
	if !isRestart {
		var err error
		id, err = types.NewKernelId()
		if err != nil {
			return CreateResult{}, fmt.Errorf("create kernel: %w", err)
		}
	}

	logger := log.WithKernelID(id.String())

	evType := events.EventKernelCreating
	if isRestart {
		evType = events.EventKernelRestarting
	}
	l.dispatch(evType, id, nil)

	image := containerengine.ImageName(canonical)
	labels, err := l.engine.InspectImage(ctx, image)
	if err != nil {
		return CreateResult{}, kernelerr.Wrap(kernelerr.KindImageInspectFailed, fmt.Sprintf("inspect image %s", image), err)
	}

	var coreSet types.CoreSet
	restartSignalCleared := false
	if sig, waiting := l.registry.RestartSignal(id); waiting {
		if rec, ok := l.registry.Get(id); ok {
			coreSet = rec.CoreSet
		}
		select {
		case <-sig.C():
			l.registry.ClearRestarting(id)
			restartSignalCleared = true
		case <-time.After(restartWait):
			l.scheduleClean(id)
			return CreateResult{}, kernelerr.New(kernelerr.KindRestartTimeout, fmt.Sprintf("kernel %s did not finish restarting within %s", id, restartWait))
		case <-ctx.Done():
			return CreateResult{}, ctx.Err()
		}
	} else {
		if err := os.MkdirAll(l.workdir(id), 0o755); err != nil {
			return CreateResult{}, fmt.Errorf("create kernel: scratch dir: %w", err)
		}
		numCores := labels.MaxCores
		if numCores <= 0 {
			numCores = l.allocator.Total()
		}
		coreSet, err = l.allocator.Alloc(numCores)
		if err != nil {
			return CreateResult{}, kernelerr.Wrap(kernelerr.KindAllocationExhausted, "no free cores", err)
		}
	}

	releaseCores := func() {
		if !restartSignalCleared {
			l.allocator.Free(coreSet)
		}
	}

	mounts, err := l.volumes.Resolve(ctx, canonical)
	if err != nil {
		releaseCores()
		return CreateResult{}, fmt.Errorf("create kernel: resolve volumes: %w", err)
	}
	mounts = append([]containerengine.Mount{{
		Source:      l.workdir(id),
		Destination: "/home/work",
		ReadOnly:    false,
	}}, mounts...)

	var devices []containerengine.Device
	if labels.NvidiaEnabled {
		nvMounts, err := l.nvidia.Binds(ctx, coreSet.NumaNode)
		if err != nil {
			releaseCores()
			return CreateResult{}, fmt.Errorf("create kernel: nvidia binds: %w", err)
		}
		mounts = append(mounts, nvMounts...)
		devices, err = l.nvidia.Devices(ctx, coreSet.NumaNode)
		if err != nil {
			releaseCores()
			return CreateResult{}, fmt.Errorf("create kernel: nvidia devices: %w", err)
		}
	}

	env := make(map[string]string, len(labels.CoreCountEnvs))
	for _, name := range labels.CoreCountEnvs {
		env[name] = fmt.Sprintf("%d", coreSet.Len())
	}

	spec := containerengine.ContainerSpec{
		Name:          containerengine.ContainerName(canonical, id),
		Image:         image,
		Env:           env,
		Mounts:        mounts,
		Devices:       devices,
		MemLimitBytes: labels.MaxMemBytes,
		CoreSet:       coreSet,
		ExposedPorts:  []int{2000, 2001, 2002, 2003},
	}

	handle, err := l.engine.Create(ctx, spec)
	if err != nil {
		releaseCores()
		return CreateResult{}, fmt.Errorf("create kernel: engine create: %w", err)
	}

	bindings, err := l.engine.Start(ctx, handle, spec.ExposedPorts)
	if err != nil {
		releaseCores()
		_ = l.engine.Delete(ctx, handle)
		return CreateResult{}, fmt.Errorf("create kernel: engine start: %w", err)
	}
	if len(bindings) != 4 {
		releaseCores()
		_ = l.engine.Delete(ctx, handle)
		return CreateResult{}, fmt.Errorf("create kernel: expected 4 port bindings, got %d", len(bindings))
	}

	ip, err := l.engine.ContainerIP(ctx, handle)
	if err != nil {
		releaseCores()
		_ = l.engine.Delete(ctx, handle)
		return CreateResult{}, fmt.Errorf("create kernel: container ip: %w", err)
	}

	execTimeout := labels.TimeoutS
	now := time.Now().UnixNano()
	rec := &types.KernelRecord{
		Id:            id,
		Lang:          canonical,
		ImageVersion:  labels.Version,
		ContainerId:   handle.ContainerID,
		ContainerIP:   ip,
		StdinPort:     bindings[0].HostPort,
		StdoutPort:    bindings[1].HostPort,
		ReplInPort:    bindings[2].HostPort,
		ReplOutPort:   bindings[3].HostPort,
		NumaNode:      coreSet.NumaNode,
		CoreSet:       coreSet,
		MemLimitBytes: labels.MaxMemBytes,
		ExecTimeoutS:  execTimeout,
		LastUsed:      now,
	}
	l.registry.Insert(rec)
	metrics.KernelsCreatedTotal.Inc()

	logger.Info().Str("lang", canonical).Str("container_id", handle.ContainerID).Msg("kernel created")

	return CreateResult{KernelID: id, StdinPort: rec.StdinPort, StdoutPort: rec.StdoutPort}, nil
}

// Destroy implements §4.3's Destroy. A missing record is logged and
// treated as success, never an error.
func (l *Lifecycle) Destroy(ctx context.Context, id types.KernelId, reason types.DestroyReason) error {
	rec, ok := l.registry.Get(id)
	if !ok {
		log.WithKernelID(id.String()).Debug().Str("reason", string(reason)).Msg("destroy: kernel already gone")
		return nil
	}

	metrics.KernelsDestroyedTotal.WithLabelValues(string(reason)).Inc()

	if rec.RunnerTaskActive {
		l.relay.Cancel(id)
		rec.RunnerTaskActive = false
	}

	handle := containerengine.Handle{ContainerID: rec.ContainerId}
	if l.stats != nil {
		if sample, err := l.stats.Sample(ctx, rec.ContainerId); err == nil {
			rec.LastStat = &sample
		}
	}

	err := l.engine.Kill(ctx, handle)
	switch {
	case err == nil:
	case containerengine.IsNotRunning(err):
		// Tolerated: already stopped.
	case containerengine.IsNotFound(err):
		l.allocator.Free(rec.CoreSet)
		l.registry.Delete(id)
		return nil
	default:
		log.WithKernelID(id.String()).Warn().Err(err).Msg("destroy: engine kill failed, awaiting die event")
	}

	// The container directory and registry record are removed only by
	// Clean, once the engine reports the container's death.
	return nil
}

// RestartResult is what a successful Restart returns.
type RestartResult struct {
	StdinPort  int
	StdoutPort int
}

// Restart implements §4.3's Restart: Destroy then Create reusing the same
// id, serialized against Create via the registry's restarting signal.
func (l *Lifecycle) Restart(ctx context.Context, id types.KernelId) (RestartResult, error) {
	rec, ok := l.registry.Get(id)
	if !ok {
		return RestartResult{}, fmt.Errorf("restart kernel %s: not found", id)
	}
	lang := rec.Lang

	sig := l.registry.MarkRestarting(id)
	if err := l.Destroy(ctx, id, types.ReasonRestarting); err != nil {
		l.registry.ClearRestarting(id)
		return RestartResult{}, fmt.Errorf("restart kernel %s: destroy: %w", id, err)
	}

	result, err := l.Create(ctx, lang, CreateOpts{KernelID: id})
	if err != nil {
		sig.Fire()
		l.registry.ClearRestarting(id)
		return RestartResult{}, fmt.Errorf("restart kernel %s: create: %w", id, err)
	}

	return RestartResult{StdinPort: result.StdinPort, StdoutPort: result.StdoutPort}, nil
}

// Reset destroys every live kernel concurrently with reason agent-reset and
// awaits all of them, including their Clean, before returning.
func (l *Lifecycle) Reset(ctx context.Context) error {
	recs := l.registry.All()
	waits := make([]*registry.Signal, 0, len(recs))
	for _, rec := range recs {
		waits = append(waits, l.registry.MarkBlockingClean(rec.Id))
	}

	done := make(chan error, len(recs))
	for _, rec := range recs {
		go func(id types.KernelId) {
			done <- l.Destroy(ctx, id, types.ReasonAgentReset)
		}(rec.Id)
	}

	var firstErr error
	for range recs {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, sig := range waits {
		select {
		case <-sig.C():
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}
	return firstErr
}

// Clean implements §4.3's Clean, driven by EventMonitor or the idle-reap
// tick. It is the normal path that removes a registry entry and frees its
// CoreSet; the one other path is Destroy, when the engine reports the
// container as not found and so no die event will drive a Clean.
func (l *Lifecycle) Clean(ctx context.Context, id types.KernelId) {
	rec, ok := l.registry.Get(id)
	if !ok {
		return
	}

	handle := containerengine.Handle{ContainerID: rec.ContainerId}
	if err := l.engine.Delete(ctx, handle); err != nil && !containerengine.IsNotFound(err) {
		log.WithKernelID(id.String()).Warn().Err(err).Msg("clean: engine delete failed")
	}

	if sig, restarting := l.registry.RestartSignal(id); restarting {
		sig.Fire()
		return
	}

	if err := os.RemoveAll(l.workdir(id)); err != nil && !os.IsNotExist(err) {
		log.WithKernelID(id.String()).Warn().Err(err).Msg("clean: remove workdir failed")
	}
	l.allocator.Free(rec.CoreSet)
	l.registry.Delete(id)

	payload := map[string]interface{}{"reason": "cleaned"}
	if rec.LastStat != nil {
		payload["last_stat"] = *rec.LastStat
	}
	l.dispatch(events.EventKernelTerminated, id, payload)

	if sig, waiting := l.registry.BlockingCleanSignal(id); waiting {
		sig.Fire()
	}
}

func (l *Lifecycle) scheduleClean(id types.KernelId) {
	go l.Clean(context.Background(), id)
}

func (l *Lifecycle) workdir(id types.KernelId) string {
	return filepath.Join(l.volumeRoot, id.String())
}

func (l *Lifecycle) dispatch(t events.EventType, id types.KernelId, payload map[string]interface{}) {
	if l.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := l.dispatcher.Dispatch(ctx, events.Event{
		Type:     t,
		KernelID: id.String(),
		Payload:  payload,
	}); err != nil {
		log.WithKernelID(id.String()).Warn().Err(err).Str("event", string(t)).Msg("upstream dispatch failed")
	}
}
