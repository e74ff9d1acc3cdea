package observability

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// RecentTransferInfo is one row of the transfer activity feed shown by
// the debug inspector.
type RecentTransferInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mime      string `json:"mime"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RelayStats aggregates every relay metric for the monitor log line
// and the debug inspector.
type RelayStats struct {
	// Media plane, rates computed between two updates.
	MediaInRate    float64 `json:"media_in_rate"`  // MB/s received
	MediaOutRate   float64 `json:"media_out_rate"` // MB/s fanned out
	PacketsIn      uint64  `json:"packets_in"`
	PacketsRelayed uint64  `json:"packets_relayed"`
	PacketsDropped uint64  `json:"packets_dropped"`

	// Reliable channel.
	FramesIn      uint64 `json:"frames_in"`
	FramesRelayed uint64 `json:"frames_relayed"`
	FramesDropped uint64 `json:"frames_dropped"`

	// Liveness.
	StaleStreams uint64 `json:"stale_streams"`
	Evictions    uint64 `json:"evictions"`

	// Occupancy gauges.
	Participants    int `json:"participants"`
	Rooms           int `json:"rooms"`
	ActiveTransfers int `json:"active_transfers"`

	// Process self stats.
	AllocMemMb uint64  `json:"alloc_mem_mb"`
	NumGC      uint32  `json:"num_gc"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`

	RecentTransfers []RecentTransferInfo `json:"recent_transfers"`
}

const recentTransfersKept = 20

// MonitoringManager collects relay telemetry from the hot paths with
// plain atomic counters, so recording a metric never takes the lock
// the readers use.
type MonitoringManager struct {
	log *slog.Logger

	mu          sync.RWMutex
	latestStats RelayStats
	lastCheck   time.Time

	// Byte counters are swapped to zero on each rate computation.
	mediaBytesIn  uint64
	mediaBytesOut uint64

	packetsIn      uint64
	packetsRelayed uint64
	packetsDropped uint64
	framesIn       uint64
	framesRelayed  uint64
	framesDropped  uint64
	staleStreams   uint64
	evictions      uint64
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	return &MonitoringManager{
		log:       log,
		lastCheck: time.Now(),
		latestStats: RelayStats{
			RecentTransfers: make([]RecentTransferInfo, 0),
		},
	}
}

// AddMediaIn accounts one received datagram of n payload bytes.
func (mm *MonitoringManager) AddMediaIn(n int) {
	atomic.AddUint64(&mm.packetsIn, 1)
	atomic.AddUint64(&mm.mediaBytesIn, uint64(n))
}

// AddMediaOut accounts one relayed copy of n bytes.
func (mm *MonitoringManager) AddMediaOut(n int) {
	atomic.AddUint64(&mm.packetsRelayed, 1)
	atomic.AddUint64(&mm.mediaBytesOut, uint64(n))
}

func (mm *MonitoringManager) IncrPacketsDropped() {
	atomic.AddUint64(&mm.packetsDropped, 1)
}

func (mm *MonitoringManager) IncrFramesIn() {
	atomic.AddUint64(&mm.framesIn, 1)
}

func (mm *MonitoringManager) IncrFramesRelayed() {
	atomic.AddUint64(&mm.framesRelayed, 1)
}

func (mm *MonitoringManager) IncrFramesDropped() {
	atomic.AddUint64(&mm.framesDropped, 1)
}

func (mm *MonitoringManager) IncrStaleStreams() {
	atomic.AddUint64(&mm.staleStreams, 1)
}

func (mm *MonitoringManager) IncrEvictions() {
	atomic.AddUint64(&mm.evictions, 1)
}

// AddTransfer prepends one row to the transfer feed, keeping the most
// recent entries only.
func (mm *MonitoringManager) AddTransfer(id, name, mime, status string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	row := RecentTransferInfo{
		ID:        id,
		Name:      name,
		Mime:      mime,
		Status:    status,
		Timestamp: time.Now().Format("15:04:05"),
	}
	mm.latestStats.RecentTransfers = append([]RecentTransferInfo{row}, mm.latestStats.RecentTransfers...)
	if len(mm.latestStats.RecentTransfers) > recentTransfersKept {
		mm.latestStats.RecentTransfers = mm.latestStats.RecentTransfers[:recentTransfersKept]
	}
}

// SetOccupancy stores the registry and transfer-table gauges collected
// by the monitor worker.
func (mm *MonitoringManager) SetOccupancy(participants, rooms, transfers int) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.latestStats.Participants = participants
	mm.latestStats.Rooms = rooms
	mm.latestStats.ActiveTransfers = transfers
}

// SetProcessStats stores the gopsutil self readings.
func (mm *MonitoringManager) SetProcessStats(cpuPercent float64, rssBytes uint64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.latestStats.CPUPercent = cpuPercent
	mm.latestStats.RSSBytes = rssBytes
}

// UpdateStats folds the atomic counters into the published snapshot
// and derives the media rates since the previous call.
func (mm *MonitoringManager) UpdateStats() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := time.Now()
	duration := now.Sub(mm.lastCheck).Seconds()

	if duration > 0 {
		inBytes := atomic.SwapUint64(&mm.mediaBytesIn, 0)
		outBytes := atomic.SwapUint64(&mm.mediaBytesOut, 0)
		mm.latestStats.MediaInRate = (float64(inBytes) / 1024 / 1024) / duration
		mm.latestStats.MediaOutRate = (float64(outBytes) / 1024 / 1024) / duration
	}
	mm.lastCheck = now

	mm.latestStats.PacketsIn = atomic.LoadUint64(&mm.packetsIn)
	mm.latestStats.PacketsRelayed = atomic.LoadUint64(&mm.packetsRelayed)
	mm.latestStats.PacketsDropped = atomic.LoadUint64(&mm.packetsDropped)
	mm.latestStats.FramesIn = atomic.LoadUint64(&mm.framesIn)
	mm.latestStats.FramesRelayed = atomic.LoadUint64(&mm.framesRelayed)
	mm.latestStats.FramesDropped = atomic.LoadUint64(&mm.framesDropped)
	mm.latestStats.StaleStreams = atomic.LoadUint64(&mm.staleStreams)
	mm.latestStats.Evictions = atomic.LoadUint64(&mm.evictions)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.latestStats.AllocMemMb = m.Alloc / 1024 / 1024
	mm.latestStats.NumGC = m.NumGC

	mm.log.Debug("Stats updated",
		"media_in_rate", mm.latestStats.MediaInRate,
		"media_out_rate", mm.latestStats.MediaOutRate,
		"packets_in", mm.latestStats.PacketsIn,
		"mem_mb", mm.latestStats.AllocMemMb,
	)
}

// GetLatest returns the last published snapshot.
func (mm *MonitoringManager) GetLatest() RelayStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	stats := mm.latestStats
	stats.RecentTransfers = append([]RecentTransferInfo(nil), mm.latestStats.RecentTransfers...)
	return stats
}
