package ops

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"orderflow/logger"
)

// resourceSnapshot is one sample of what the execution core actually
// runs on: host CPU and memory, the volume the audit log appends to,
// and the Go runtime itself. A filling audit volume is the usual way
// this process dies in production, so it gets its own fields.
type resourceSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryUsed     uint64    `json:"memory_used"`
	MemoryTotal    uint64    `json:"memory_total"`
	MemoryPct      float64   `json:"memory_percent"`
	AuditDiskUsed  uint64    `json:"audit_disk_used"`
	AuditDiskTotal uint64    `json:"audit_disk_total"`
	AuditDiskPct   float64   `json:"audit_disk_percent"`
	Goroutines     int       `json:"goroutines"`
	HeapBytes      uint64    `json:"heap_bytes"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration
	// auditVolume is the mount to watch for disk pressure, normally the
	// directory holding the audit log.
	auditVolume string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

// Collector seams, swapped out in tests so samples are deterministic.
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, auditVolume string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if auditVolume == "" {
		auditVolume = "/"
	}
	return &resourceSampler{
		limit:       limit,
		interval:    interval,
		auditVolume: auditVolume,
		log:         log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run paces itself on the CPU collector, which blocks for the sampling
// interval while it measures.
func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		snap, ok := s.collect(ctx)
		if !ok {
			continue
		}
		s.append(snap)
	}
}

func (s *resourceSampler) collect(ctx context.Context) (resourceSnapshot, bool) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample cpu usage")
		return resourceSnapshot{}, false
	}

	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample memory usage")
		return resourceSnapshot{}, false
	}

	diskStats, err := diskUsageFn(ctx, s.auditVolume)
	if err != nil {
		s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample audit volume usage")
		return resourceSnapshot{}, false
	}

	var heap runtime.MemStats
	runtime.ReadMemStats(&heap)

	return resourceSnapshot{
		Timestamp:      time.Now(),
		CPUPercent:     firstSample(cpuSamples),
		MemoryUsed:     memStats.Used,
		MemoryTotal:    memStats.Total,
		MemoryPct:      memStats.UsedPercent,
		AuditDiskUsed:  diskStats.Used,
		AuditDiskTotal: diskStats.Total,
		AuditDiskPct:   diskStats.UsedPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapBytes:      heap.HeapAlloc,
	}, true
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
