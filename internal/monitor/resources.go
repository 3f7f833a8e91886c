package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const defaultCPUWindow = 200 * time.Millisecond

// ResourceUsage is one host resource sample
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ResourceSampler reads host CPU and memory usage
type ResourceSampler struct {
	logger    *zap.Logger
	cpuWindow time.Duration

	mu   sync.RWMutex
	last ResourceUsage
}

// NewResourceSampler creates a sampler measuring CPU over cpuWindow
func NewResourceSampler(cpuWindow time.Duration, logger *zap.Logger) *ResourceSampler {
	if cpuWindow <= 0 {
		cpuWindow = defaultCPUWindow
	}
	return &ResourceSampler{
		logger:    logger.Named("resource-sampler"),
		cpuWindow: cpuWindow,
	}
}

// Sample takes a new measurement
func (s *ResourceSampler) Sample(ctx context.Context) (ResourceUsage, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, s.cpuWindow, false)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return ResourceUsage{}, fmt.Errorf("failed to get CPU usage: no samples")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	usage := ResourceUsage{
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsed:    memInfo.Used,
		SampledAt:     time.Now(),
	}

	s.mu.Lock()
	s.last = usage
	s.mu.Unlock()

	s.logger.Debug("Resources sampled",
		zap.Float64("cpu_usage", usage.CPUPercent),
		zap.Float64("memory_usage", usage.MemoryPercent))

	return usage, nil
}

// Last returns the most recent sample; ok is false before the first one
func (s *ResourceSampler) Last() (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, !s.last.SampledAt.IsZero()
}
