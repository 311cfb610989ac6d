// Package status serves broker health, statistics and prometheus metrics
// over HTTP on the status port.
//
// Architecture:
//   - Collector combines a broker snapshot with host metrics
//   - Server exposes /health, /stats and /metrics
package status

import "time"

// StatsVersion is the current version of the /stats payload format.
const StatsVersion = "1.0"

// Stats is the payload returned from /stats.
type Stats struct {
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Node      NodeInfo       `json:"node"`
	System    SystemMetrics  `json:"system"`
	Broker    BrokerSnapshot `json:"broker"`
}

// NodeInfo identifies the broker host.
type NodeInfo struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	HostUptime    int64  `json:"host_uptime_seconds,omitempty"`
}

// SystemMetrics contains host resource utilization.
type SystemMetrics struct {
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskPercent   float64 `json:"disk_percent"`
}

// BrokerSnapshot is the broker's view of workers and jobs.
type BrokerSnapshot struct {
	Workers      []WorkerInfo    `json:"workers"`
	Jobs         map[string]int  `json:"jobs"`
	QueuedByType map[string]int  `json:"queued_by_type,omitempty"`
	Factory      FactorySnapshot `json:"factory"`
}

// WorkerInfo describes one connected worker.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
	Jobs     []string  `json:"jobs,omitempty"`
	Waiting  int       `json:"waiting"`
}

// FactorySnapshot describes the worker factory.
type FactorySnapshot struct {
	MaxWorkers     int      `json:"max_workers"`
	CurrentWorkers int      `json:"current_workers"`
	Kinds          []string `json:"kinds"`
}

// HealthResponse is the response for /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"` // "ok", "degraded"
	Version string `json:"version"`
	Workers int    `json:"workers"`
}

// HealthStatus constants for health checks.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)
