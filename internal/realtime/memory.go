package realtime

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// MemoryMonitor samples process memory and elapsed time to decide when
// periodic cleanup should run. Resident set size comes from the OS via
// gopsutil; when the process handle is unavailable the Go runtime's reserved
// memory is used instead.
type MemoryMonitor struct {
	interval  time.Duration
	threshold uint64
	logger    *zap.Logger
	proc      *process.Process

	mu          sync.Mutex
	lastCleanup time.Time
	cleanupRuns uint64
	now         func() time.Time
}

// MemorySample is one point-in-time memory reading.
type MemorySample struct {
	RSSBytes       uint64    `json:"rss_bytes"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	NumGoroutine   int       `json:"num_goroutine"`
	SampledAt      time.Time `json:"sampled_at"`
}

// MemoryStats is the introspection view of the monitor.
type MemoryStats struct {
	MemorySample
	ThresholdBytes uint64        `json:"threshold_bytes"`
	Interval       time.Duration `json:"interval"`
	LastCleanup    time.Time     `json:"last_cleanup"`
	CleanupRuns    uint64        `json:"cleanup_runs"`
}

// NewMemoryMonitor creates a monitor that signals cleanup every interval or
// whenever resident memory exceeds thresholdBytes. thresholdBytes == 0
// disables the memory trigger.
//
// Precondition: interval must be > 0; logger must be non-nil.
func NewMemoryMonitor(interval time.Duration, thresholdBytes uint64, logger *zap.Logger) *MemoryMonitor {
	if interval <= 0 {
		panic("realtime.NewMemoryMonitor: interval must be > 0")
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process handle unavailable, falling back to runtime stats",
			zap.Error(err),
		)
		proc = nil
	}

	m := &MemoryMonitor{
		interval:  interval,
		threshold: thresholdBytes,
		logger:    logger,
		proc:      proc,
		now:       time.Now,
	}
	m.lastCleanup = m.now()
	return m
}

// Sample reads current process memory usage.
func (m *MemoryMonitor) Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		HeapAllocBytes: ms.HeapAlloc,
		NumGoroutine:   runtime.NumGoroutine(),
		SampledAt:      m.now(),
	}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			sample.RSSBytes = info.RSS
			return sample
		}
	}
	sample.RSSBytes = ms.Sys
	return sample
}

// ShouldCleanup reports whether cleanup is due, and why.
//
// Postcondition: Returns (true, "interval") when the cleanup interval has
// elapsed, (true, "memory") when resident memory exceeds the threshold, and
// (false, "") otherwise.
func (m *MemoryMonitor) ShouldCleanup() (bool, string) {
	m.mu.Lock()
	last := m.lastCleanup
	m.mu.Unlock()

	if m.now().Sub(last) >= m.interval {
		return true, "interval"
	}
	if m.threshold > 0 {
		if sample := m.Sample(); sample.RSSBytes >= m.threshold {
			return true, "memory"
		}
	}
	return false, ""
}

// MarkCleanup records that a cleanup pass completed.
func (m *MemoryMonitor) MarkCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCleanup = m.now()
	m.cleanupRuns++
}

// Stats returns the current sample plus cleanup counters.
func (m *MemoryMonitor) Stats() MemoryStats {
	sample := m.Sample()

	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		MemorySample:   sample,
		ThresholdBytes: m.threshold,
		Interval:       m.interval,
		LastCleanup:    m.lastCleanup,
		CleanupRuns:    m.cleanupRuns,
	}
}
