package status

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Source provides the broker snapshot.
type Source interface {
	Snapshot() BrokerSnapshot
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() BrokerSnapshot

func (f SourceFunc) Snapshot() BrokerSnapshot { return f() }

// Collector gathers broker state and host metrics.
type Collector struct {
	nodeName  string
	source    Source
	startTime time.Time

	// cpuSample is how long CPU usage is sampled per collection
	cpuSample time.Duration
}

// CollectorConfig holds configuration for the status collector.
type CollectorConfig struct {
	NodeName string
	Source   Source
}

// NewCollector creates a new status collector.
func NewCollector(cfg CollectorConfig) *Collector {
	name := cfg.NodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	return &Collector{
		nodeName:  name,
		source:    cfg.Source,
		startTime: time.Now(),
		cpuSample: 100 * time.Millisecond,
	}
}

// Collect gathers all status metrics.
func (c *Collector) Collect() *Stats {
	stats := &Stats{
		Version:   StatsVersion,
		Timestamp: time.Now().UTC(),
		Node:      c.collectNodeInfo(),
		System:    c.collectSystemMetrics(),
	}
	if c.source != nil {
		stats.Broker = c.source.Snapshot()
	}
	return stats
}

// Broker returns only the broker snapshot.
func (c *Collector) Broker() BrokerSnapshot {
	if c.source == nil {
		return BrokerSnapshot{}
	}
	return c.source.Snapshot()
}

func (c *Collector) collectNodeInfo() NodeInfo {
	info := NodeInfo{
		Name:          c.nodeName,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}
	if up, err := host.Uptime(); err == nil {
		info.HostUptime = int64(up)
	}
	return info
}

// collectSystemMetrics gathers CPU, memory, and disk utilization.
func (c *Collector) collectSystemMetrics() SystemMetrics {
	var metrics SystemMetrics

	if v, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsedGB = float64(v.Used) / (1024 * 1024 * 1024)
		metrics.MemoryTotalGB = float64(v.Total) / (1024 * 1024 * 1024)
		metrics.MemoryPercent = v.UsedPercent
	}

	if n, err := cpu.Counts(true); err == nil {
		metrics.CPUCount = n
	}
	if percentages, err := cpu.Percent(c.cpuSample, false); err == nil && len(percentages) > 0 {
		metrics.CPUPercent = percentages[0]
	}

	if d, err := disk.Usage("/"); err == nil {
		metrics.DiskUsedGB = float64(d.Used) / (1024 * 1024 * 1024)
		metrics.DiskTotalGB = float64(d.Total) / (1024 * 1024 * 1024)
		metrics.DiskPercent = d.UsedPercent
	}

	return metrics
}
