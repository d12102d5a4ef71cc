package bridge

import (
	"github.com/illmade-knight/go-mqttbridge/pkg/memory"
	"github.com/illmade-knight/go-mqttbridge/pkg/metrics"
)

// HealthStatus is the overall verdict reported by /health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// DegradedUtilization is the per-topic buffer fill above which health degrades.
const DegradedUtilization = 0.8

// MQTTHealth describes the broker session.
type MQTTHealth struct {
	Connected bool   `json:"connected"`
	ClientID  string `json:"clientId"`
	State     string `json:"state"`
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status    HealthStatus       `json:"status"`
	Timestamp string             `json:"timestamp"`
	MQTT      MQTTHealth         `json:"mqtt"`
	Memory    memory.Usage       `json:"memory"`
	Buffers   map[string]float64 `json:"buffers"`
	Metrics   metrics.Snapshot   `json:"metrics"`
}

// EvaluateHealth is unhealthy without a broker session or under critical
// memory, degraded at warning memory or when any buffer is above
// DegradedUtilization, and healthy otherwise.
func EvaluateHealth(connected bool, level memory.Level, utilization map[string]float64) HealthStatus {
	if !connected || level == memory.LevelCritical {
		return StatusUnhealthy
	}
	if level == memory.LevelWarning {
		return StatusDegraded
	}
	for _, u := range utilization {
		if u > DegradedUtilization {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
