package ops

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"orderflow/logger"
)

func TestResourceSamplerCollectsSamples(t *testing.T) {
	log := logger.Logger()
	sampler := newResourceSampler(3, time.Millisecond*10, "/var/log/orderflow", log)

	// Stub the collectors to produce deterministic data without touching the host.
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	cpuCalls := atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	var diskPath atomic.Value
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		diskPath.Store(path)
		return &disk.UsageStat{Used: 10, Total: 100, UsedPercent: 10}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sampler.start(ctx)

	deadline := time.After(time.Second)
	for cpuCalls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatal("sampler did not collect enough samples in time")
		case <-time.After(time.Millisecond * 5):
		}
	}

	cancel()
	sampler.stop()

	samples := sampler.snapshot()
	if len(samples) == 0 {
		t.Fatal("expected at least one sample")
	}
	if len(samples) > 3 {
		t.Fatalf("sampler exceeded its retention limit: %d", len(samples))
	}
	last := samples[len(samples)-1]
	if last.CPUPercent != 42.5 || last.MemoryPct != 50 || last.AuditDiskPct != 10 {
		t.Fatalf("unexpected sample: %+v", last)
	}
	if last.Goroutines <= 0 || last.HeapBytes == 0 {
		t.Fatalf("runtime stats missing from sample: %+v", last)
	}
	if got := diskPath.Load(); got != "/var/log/orderflow" {
		t.Fatalf("disk usage sampled on %v, want the audit volume", got)
	}
}

func TestResourceSamplerStartIsIdempotent(t *testing.T) {
	sampler := newResourceSampler(3, time.Hour, "/", logger.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.start(ctx)
	sampler.start(ctx)
	cancel()
	sampler.stop()
}
