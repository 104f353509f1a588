package daemon

import (
	"context"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/rs/zerolog"
)

const (
	maintenanceInterval = 30 * time.Second
	shutdownDrain       = 5 * time.Second
)

// EventLoop refreshes gauges and logs queue pressure while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.refresh()
	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.refresh()
		}
	}
}

func (e *EventLoop) refresh() {
	d := e.daemon
	observability.SetActiveSessions(d.store.Len())
	if d.gatewayServer != nil {
		observability.SetWebSocketClients(len(d.gatewayServer.GetConnectedClients()))
	}

	queued, running := d.queue.Stats()
	if queued == 0 && running == 0 {
		return
	}
	var ev *zerolog.Event
	if queued > running {
		ev = d.logger.Warn()
	} else {
		ev = d.logger.Debug()
	}
	ev.Int("lanes", d.queue.LaneCount()).
		Int("queued", queued).
		Int("running", running).
		Msg("Queue backlog")
}

// HandleShutdown gives running tasks a short drain window before the
// queue is closed.
func (e *EventLoop) HandleShutdown() {
	queued, running := e.daemon.queue.Stats()
	e.daemon.logger.Info().
		Int("queued", queued).
		Int("running", running).
		Msg("Draining command queue")

	if e.daemon.queue.WaitForActive(shutdownDrain) {
		e.daemon.logger.Info().Msg("All active tasks completed")
	} else {
		e.daemon.logger.Warn().Msg("Active tasks still running at shutdown")
	}
}
