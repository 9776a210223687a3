// Package monitor implements EventMonitor: the subscriber that turns an
// engine's container-death notifications into Clean calls.
package monitor

import (
	"context"
	"regexp"
	"time"

	"github.com/cuemby/kernel-agent/internal/metrics"
	"github.com/cuemby/kernel-agent/pkg/containerengine"
	"github.com/cuemby/kernel-agent/pkg/log"
	"github.com/cuemby/kernel-agent/pkg/types"
	"github.com/rs/zerolog"
)

// containerNamePattern matches containerengine.ContainerName's
// "kernel.<lang>.<id>" format, capturing the id (a hex UUID, hyphens
// included).
var containerNamePattern = regexp.MustCompile(`^kernel\.[^.]+\.([0-9a-f-]+)$`)

// Cleaner is the subset of lifecycle.Lifecycle the monitor depends on.
type Cleaner interface {
	Clean(ctx context.Context, id types.KernelId)
}

// backoff bounds the delay between Events() resubscription attempts after
// the stream terminates or fails to open.
const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// Monitor subscribes to an engine's event stream and schedules Clean for
// every die event whose container name parses as a kernel container.
// Reconnection after a stream closes or fails to open is the monitor's own
// responsibility, with a bounded exponential backoff.
type Monitor struct {
	engine  containerengine.Engine
	cleaner Cleaner
}

// New builds a Monitor over engine, dispatching recognized die events to
// cleaner.
func New(engine containerengine.Engine, cleaner Cleaner) *Monitor {
	return &Monitor{engine: engine, cleaner: cleaner}
}

// Run subscribes to engine.Events() and processes events until ctx is
// done, transparently resubscribing whenever the stream ends.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithComponent("monitor")
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := m.engine.Events(ctx)
		if err != nil {
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("subscribe to container events failed")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		m.drain(ctx, ch, logger)
	}
}

func (m *Monitor) drain(ctx context.Context, ch <-chan containerengine.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				logger.Debug().Msg("container event stream closed, resubscribing")
				return
			}
			m.handle(ctx, ev, logger)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev containerengine.Event, logger zerolog.Logger) {
	if ev.Action != containerengine.EventDie {
		return
	}
	metrics.ContainerDieEventsTotal.Inc()
	match := containerNamePattern.FindStringSubmatch(ev.ContainerName)
	if match == nil {
		logger.Debug().Str("container", ev.ContainerName).Msg("ignoring die event for non-kernel container")
		return
	}
	id := types.KernelId(match[1])
	logger.Info().Str("kernel_id", string(id)).Msg("container died, scheduling clean")
	m.cleaner.Clean(ctx, id)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
