package scheduler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is one resource sample.
type Usage struct {
	CPUPercent float64
	MemoryMB   uint64
}

// Sampler reports current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Usage, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Usage, error) {
	return f(ctx)
}

// SystemSampler reads host-wide CPU and memory usage.
type SystemSampler struct{}

// Sample returns CPU utilization since the previous call and used memory.
func (SystemSampler) Sample(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	var u Usage
	if len(percents) > 0 {
		u.CPUPercent = percents[0]
	}
	u.MemoryMB = vm.Used / (1024 * 1024)
	return u, nil
}

// overCeiling reports whether u exceeds either ceiling. A zero ceiling is
// disabled.
func overCeiling(u Usage, cpuCeiling float64, memCeilingMB uint64) bool {
	if cpuCeiling > 0 && u.CPUPercent >= cpuCeiling {
		return true
	}
	if memCeilingMB > 0 && u.MemoryMB >= memCeilingMB {
		return true
	}
	return false
}
