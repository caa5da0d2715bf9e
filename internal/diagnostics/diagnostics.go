// Package diagnostics collects process and dispatcher health metrics for
// the GET /stats endpoint: gopsutil-backed process stats, cached with a
// short TTL to keep the endpoint cheap under polling.
package diagnostics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// QueueStats is the subset of *dispatcher.Dispatcher the collector reads.
// It is satisfied directly by *dispatcher.Dispatcher; kept as an
// interface here so tests can substitute a stub.
type QueueStats interface {
	QueueDepth() int
	BatchesEmitted() uint64
}

// Snapshot is the point-in-time diagnostic payload served by GET /stats.
type Snapshot struct {
	UptimeSeconds  int64   `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	MemoryRSSMB    float64 `json:"memory_rss_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	QueueDepth     int     `json:"queue_depth"`
	BatchesEmitted uint64  `json:"batches_emitted"`
}

// Collector gathers diagnostic snapshots with caching, to keep an
// eagerly-polled endpoint from re-querying gopsutil on every request.
type Collector struct {
	queue     QueueStats
	startTime time.Time

	mu            sync.RWMutex
	cached        *Snapshot
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a Collector. queue may be any type satisfying
// QueueStats, typically *dispatcher.Dispatcher.
func NewCollector(queue QueueStats) *Collector {
	return &Collector{
		queue:         queue,
		startTime:     time.Now(),
		cacheDuration: 2 * time.Second,
	}
}

// Collect returns the current diagnostic snapshot, serving a cached copy
// if one was taken within the cache duration.
func (c *Collector) Collect() Snapshot {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		snap := *c.cached
		c.mu.RUnlock()
		return snap
	}
	c.mu.RUnlock()

	snap := c.collect()

	c.mu.Lock()
	c.cached = &snap
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return snap
}

func (c *Collector) collect() Snapshot {
	snap := Snapshot{
		UptimeSeconds:  int64(time.Since(c.startTime).Seconds()),
		Goroutines:     runtime.NumGoroutine(),
		QueueDepth:     c.queue.QueueDepth(),
		BatchesEmitted: c.queue.BatchesEmitted(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		snap.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}

	return snap
}
