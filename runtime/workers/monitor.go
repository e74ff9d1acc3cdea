package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"lanmeet/observability"
	"lanmeet/runtime"
)

// TransferCounter exposes the live transfer gauge without coupling the
// monitor to the messaging server.
type TransferCounter interface {
	ActiveTransfers() int
}

// MonitorWorker periodically folds the relay counters into a published
// snapshot, samples the process itself and logs one status line.
type MonitorWorker struct {
	log        *slog.Logger
	registry   *runtime.Registry
	transfers  TransferCounter
	monitoring *observability.MonitoringManager
	interval   time.Duration
}

func NewMonitorWorker(
	log *slog.Logger,
	registry *runtime.Registry,
	transfers TransferCounter,
	monitoring *observability.MonitoringManager,
	interval time.Duration,
) *MonitorWorker {
	return &MonitorWorker{
		log:        log,
		registry:   registry,
		transfers:  transfers,
		monitoring: monitoring,
		interval:   interval,
	}
}

func (w *MonitorWorker) Run(ctx context.Context) error {
	w.log.Info("Starting relay monitor worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping relay monitor worker")
			return ctx.Err()
		case <-ticker.C:
			rss, cpu, err := relaySelfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}

			participants, rooms := w.registry.Count()
			w.monitoring.SetOccupancy(participants, rooms, w.transfers.ActiveTransfers())
			w.monitoring.SetProcessStats(cpu, rss)
			w.monitoring.UpdateStats()

			stats := w.monitoring.GetLatest()
			w.log.Info("Relay status",
				"participants", stats.Participants,
				"rooms", stats.Rooms,
				"transfers", stats.ActiveTransfers,
				"media_in_mb_s", stats.MediaInRate,
				"media_out_mb_s", stats.MediaOutRate,
				"packets_dropped", stats.PacketsDropped,
				"frames_dropped", stats.FramesDropped,
				"stale_streams", stats.StaleStreams,
				"evictions", stats.Evictions,
				"cpu_percent", cpu,
				"rss_mb", rss/1024/1024,
			)
		}
	}
}

// relaySelfStats retrieves memory and CPU readings for the relay's own
// process.
func relaySelfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
