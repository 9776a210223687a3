// Package periodic implements PeriodicTasks: the three fire-and-forget
// tickers (heartbeat, stats, idle-reap) that run alongside the RPC façade
// for the life of the agent process.
package periodic

import (
	"context"
	"time"

	"github.com/cuemby/kernel-agent/pkg/events"
	"github.com/cuemby/kernel-agent/pkg/log"
	"github.com/cuemby/kernel-agent/pkg/registry"
	"github.com/cuemby/kernel-agent/pkg/statsprobe"
	"github.com/cuemby/kernel-agent/pkg/types"
)

const (
	heartbeatInterval = 3 * time.Second
	statsInterval     = 5 * time.Second
	idleReapInterval  = 10 * time.Second
	dispatchTimeout   = time.Second
)

// Destroyer is the subset of lifecycle.Lifecycle idle-reap needs.
type Destroyer interface {
	Destroy(ctx context.Context, id types.KernelId, reason types.DestroyReason) error
}

// CoreAllocator is the subset of cpuset.Allocator the heartbeat tick reports
// on. Optional: a nil CoreAllocator simply skips the per-node free-core
// gauge update.
type CoreAllocator interface {
	FreeByNode() map[int]int
}

// Gauges receives per-tick observability updates. Implementations back
// these onto whatever metrics registry the process wires up; Tasks never
// blocks on them.
type Gauges interface {
	SetLiveKernels(n int)
	SetFreeCores(node int, free int)
	ObserveDispatchLatency(kind string, d time.Duration)
	IncIdleReaped()
}

// NoopGauges discards every observation, used where no metrics registry is
// configured (e.g. tests).
type NoopGauges struct{}

func (NoopGauges) SetLiveKernels(n int)                                {}
func (NoopGauges) SetFreeCores(node int, free int)                     {}
func (NoopGauges) ObserveDispatchLatency(kind string, d time.Duration) {}
func (NoopGauges) IncIdleReaped()                                      {}

// Tasks runs the three periodic ticks against one registry.
type Tasks struct {
	registry     *registry.Registry
	dispatcher   events.Dispatcher
	stats        statsprobe.Probe
	destroyer    Destroyer
	gauges       Gauges
	cores        CoreAllocator
	instID       string
	instType     string
	idleTimeoutS int
}

// Config are Tasks' construction parameters.
type Config struct {
	Registry     *registry.Registry
	Dispatcher   events.Dispatcher
	Stats        statsprobe.Probe
	Destroyer    Destroyer
	Gauges       Gauges
	Cores        CoreAllocator
	InstanceID   string
	InstanceType string
	IdleTimeoutS int
}

// New builds Tasks from cfg, defaulting Gauges to NoopGauges when nil.
func New(cfg Config) *Tasks {
	gauges := cfg.Gauges
	if gauges == nil {
		gauges = NoopGauges{}
	}
	return &Tasks{
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		stats:        cfg.Stats,
		destroyer:    cfg.Destroyer,
		gauges:       gauges,
		cores:        cfg.Cores,
		instID:       cfg.InstanceID,
		instType:     cfg.InstanceType,
		idleTimeoutS: cfg.IdleTimeoutS,
	}
}

// Run starts all three tickers and blocks until ctx is done.
func (t *Tasks) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	stats := time.NewTicker(statsInterval)
	idleReap := time.NewTicker(idleReapInterval)
	defer heartbeat.Stop()
	defer stats.Stop()
	defer idleReap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			go t.tickHeartbeat()
		case <-stats.C:
			go t.tickStats(ctx)
		case <-idleReap.C:
			go t.tickIdleReap(ctx)
		}
	}
}

func (t *Tasks) tickHeartbeat() {
	recs := t.registry.All()
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.Id.String())
	}
	t.gauges.SetLiveKernels(len(ids))
	if t.cores != nil {
		for node, free := range t.cores.FreeByNode() {
			t.gauges.SetFreeCores(node, free)
		}
	}

	started := time.Now()
	t.dispatch(events.EventInstanceHeartbeat, map[string]interface{}{
		"inst_id":           t.instID,
		"inst_type":         t.instType,
		"running_kernels":   ids,
		"interval_s":        heartbeatInterval.Seconds(),
	})
	t.gauges.ObserveDispatchLatency("heartbeat", time.Since(started))
}

func (t *Tasks) tickStats(ctx context.Context) {
	recs := t.registry.All()
	perKernel := make(map[string]interface{}, len(recs))
	now := time.Now().UnixNano()

	for _, rec := range recs {
		if _, ok := t.registry.Get(rec.Id); !ok {
			continue // disappeared mid-collection
		}
		var sample types.StatsSample
		if t.stats != nil {
			s, err := t.stats.Sample(ctx, rec.ContainerId)
			if err != nil {
				log.WithKernelID(rec.Id.String()).Debug().Err(err).Msg("stats sample failed, dropping")
				continue
			}
			sample = s
		}
		perKernel[rec.Id.String()] = map[string]interface{}{
			"exec_timeout":  rec.ExecTimeoutS,
			"idle_timeout":  t.idleTimeoutS,
			"mem_limit_kib": rec.MemLimitBytes / 1024,
			"num_queries":   rec.NumQueries,
			"idle_ms":       (now - rec.LastUsed) / int64(time.Millisecond),
			"mem_used_kib":  sample.MemUsedBytes / 1024,
		}
	}

	started := time.Now()
	t.dispatch(events.EventInstanceStats, map[string]interface{}{
		"inst_id":    t.instID,
		"per_kernel": perKernel,
		"interval_s": statsInterval.Seconds(),
	})
	t.gauges.ObserveDispatchLatency("stats", time.Since(started))
}

func (t *Tasks) tickIdleReap(ctx context.Context) {
	now := time.Now().UnixNano()
	idleThreshold := time.Duration(t.idleTimeoutS) * time.Second
	for _, rec := range t.registry.All() {
		if time.Duration(now-rec.LastUsed) <= idleThreshold {
			continue
		}
		if _, ok := t.registry.Get(rec.Id); !ok {
			continue
		}
		t.gauges.IncIdleReaped()
		go func(id types.KernelId) {
			if err := t.destroyer.Destroy(ctx, id, types.ReasonIdleTimeout); err != nil {
				log.WithKernelID(id.String()).Warn().Err(err).Msg("idle-reap destroy failed")
			}
		}(rec.Id)
	}
}

func (t *Tasks) dispatch(eventType events.EventType, payload map[string]interface{}) {
	if t.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := t.dispatcher.Dispatch(ctx, events.Event{Type: eventType, Payload: payload}); err != nil {
		log.WithComponent("periodic").Warn().Err(err).Str("event", string(eventType)).Msg("upstream dispatch failed")
	}
}
