package workers

import (
	"context"
	"log/slog"
	"time"

	"lanmeet/contract"
	"lanmeet/domain"
	"lanmeet/observability"
	"lanmeet/runtime"
)

// SweeperWorker is the periodic consistency pass over the registry.
// Each tick it marks streams that stopped producing frames as stale,
// evicts participants silent on every channel beyond the inactivity
// bound, and reaps file transfers that stopped making progress.
//
// It works on a snapshot taken at pass start, so participants joining
// or leaving mid-pass are simply handled on the next tick.
type SweeperWorker struct {
	log        *slog.Logger
	registry   *runtime.Registry
	evictor    contract.Evictor
	janitor    contract.TransferJanitor
	monitoring *observability.MonitoringManager

	sweepInterval   time.Duration
	frameTimeout    time.Duration
	inactiveTimeout time.Duration
	transferIdle    time.Duration
}

func NewSweeperWorker(
	log *slog.Logger,
	registry *runtime.Registry,
	evictor contract.Evictor,
	janitor contract.TransferJanitor,
	monitoring *observability.MonitoringManager,
	sweepInterval, frameTimeout, inactiveTimeout, transferIdle time.Duration,
) *SweeperWorker {
	return &SweeperWorker{
		log:             log,
		registry:        registry,
		evictor:         evictor,
		janitor:         janitor,
		monitoring:      monitoring,
		sweepInterval:   sweepInterval,
		frameTimeout:    frameTimeout,
		inactiveTimeout: inactiveTimeout,
		transferIdle:    transferIdle,
	}
}

func (w *SweeperWorker) Run(ctx context.Context) error {
	w.log.Info("Starting liveness sweeper",
		"interval", w.sweepInterval,
		"frame_timeout", w.frameTimeout,
		"inactive_timeout", w.inactiveTimeout,
	)

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping liveness sweeper")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(time.Now())
		}
	}
}

// Sweep runs one pass at the given instant. Exported so tests drive it
// with a fixed clock instead of waiting for ticks.
func (w *SweeperWorker) Sweep(now time.Time) {
	for _, p := range w.registry.Participants() {
		for _, stream := range domain.StreamTypes {
			if now.Sub(p.SeenAt(stream)) <= w.frameTimeout {
				continue
			}
			// MarkStale reports only the first flip of an outage and
			// refuses ids evicted since the snapshot.
			if w.registry.MarkStale(p.ID, stream) {
				w.monitoring.IncrStaleStreams()
				w.log.Debug("Stream went stale",
					"participant", p.ID, "name", p.Name, "stream", stream.String())
			}
		}

		if now.Sub(p.LastActivity()) > w.inactiveTimeout {
			if w.evictor.Evict(p.ID, "inactivity timeout") {
				w.log.Info("Evicted silent participant",
					"participant", p.ID, "name", p.Name, "room", p.Room)
			}
		}
	}

	if reaped := w.janitor.ReapIdleTransfers(now, w.transferIdle); reaped > 0 {
		w.log.Info("Abandoned idle transfers", "count", reaped)
	}
}
