// ABOUTME: Health metrics reported by agents in heartbeat frames.
// ABOUTME: Parses and validates raw reports before merging into connection state.

package agent

import (
	"encoding/json"
	"fmt"
)

// HealthMetrics is the last known health state of an agent. Fields an agent
// never reported stay at their zero value.
type HealthMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	ActiveTasks int     `json:"active_tasks"`
	Version     string  `json:"version,omitempty"`
}

// MetricsReport is the wire form of heartbeat metrics. Pointer fields
// distinguish "not reported" from a reported zero.
type MetricsReport struct {
	CPUPercent  *float64 `json:"cpu_percent,omitempty"`
	MemoryMB    *float64 `json:"memory_mb,omitempty"`
	ActiveTasks *int     `json:"active_tasks,omitempty"`
	Version     *string  `json:"version,omitempty"`
}

// ParseMetricsReport decodes and validates heartbeat metrics. Empty input
// means no metrics were reported and returns nil without error. A malformed
// or out-of-range report is rejected as a whole; the heartbeat itself still
// counts for liveness.
func ParseMetricsReport(raw json.RawMessage) (*MetricsReport, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var report MetricsReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decoding metrics: %w", err)
	}

	if report.CPUPercent != nil && (*report.CPUPercent < 0 || *report.CPUPercent > 100) {
		return nil, fmt.Errorf("cpu_percent out of range: %v", *report.CPUPercent)
	}
	if report.MemoryMB != nil && *report.MemoryMB < 0 {
		return nil, fmt.Errorf("memory_mb negative: %v", *report.MemoryMB)
	}
	if report.ActiveTasks != nil && *report.ActiveTasks < 0 {
		return nil, fmt.Errorf("active_tasks negative: %d", *report.ActiveTasks)
	}

	return &report, nil
}

// merge applies reported fields, leaving unreported ones untouched.
func (m *HealthMetrics) merge(report *MetricsReport) {
	if report.CPUPercent != nil {
		m.CPUPercent = *report.CPUPercent
	}
	if report.MemoryMB != nil {
		m.MemoryMB = *report.MemoryMB
	}
	if report.ActiveTasks != nil {
		m.ActiveTasks = *report.ActiveTasks
	}
	if report.Version != nil {
		m.Version = *report.Version
	}
}
