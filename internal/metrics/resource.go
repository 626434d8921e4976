package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	backendCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the backend process.",
		}, []string{"name"},
	)
	backendMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_mb",
			Help:      "Resident memory of the backend process in megabytes.",
		}, []string{"name"},
	)
	backendNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "num_threads",
			Help:      "Number of threads used by the backend process.",
		}, []string{"name"},
	)
)

// DefaultSampleInterval is how often ResourceSampler reads process stats.
const DefaultSampleInterval = 5 * time.Second

// ResourceUsage is one sample of the backend's resource consumption.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples the CPU and memory of the current
// backend PID.
type ResourceSampler struct {
	Name     string
	Interval time.Duration
	// PID returns the live backend pid, or 0 when none is running.
	PID func() int

	mu     sync.RWMutex
	latest *ResourceUsage
	proc   *process.Process // kept across samples so CPUPercent has a baseline
}

// Run samples until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample takes one reading. It clears the last reading when no backend runs.
func (s *ResourceSampler) Sample(ctx context.Context) {
	pid := 0
	if s.PID != nil {
		pid = s.PID()
	}
	if pid <= 0 {
		s.mu.Lock()
		s.latest, s.proc = nil, nil
		s.mu.Unlock()
		return
	}
	u, err := s.read(ctx, int32(pid))
	if err != nil {
		slog.Debug("Failed to collect backend resource usage", "pid", pid, "error", err)
		return
	}
	s.mu.Lock()
	s.latest = u
	s.mu.Unlock()
	if regOK.Load() {
		backendCPUPercent.WithLabelValues(s.Name).Set(u.CPUPercent)
		backendMemoryMB.WithLabelValues(s.Name).Set(u.MemoryMB)
		backendNumThreads.WithLabelValues(s.Name).Set(float64(u.NumThreads))
	}
}

func (s *ResourceSampler) read(ctx context.Context, pid int32) (*ResourceUsage, error) {
	s.mu.Lock()
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
	}
	proc := s.proc
	s.mu.Unlock()

	cpu, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreadsWithContext(ctx)
	return &ResourceUsage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}

// Latest returns the most recent sample, if any.
func (s *ResourceSampler) Latest() (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return ResourceUsage{}, false
	}
	return *s.latest, true
}
