package bridge

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-mqttbridge/pkg/metrics"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

// StatusReport is the /status response body.
type StatusReport struct {
	UptimeSeconds  float64          `json:"uptimeSeconds"`
	Memory         runtime.MemStats `json:"memory"`
	Metrics        metrics.Snapshot `json:"metrics"`
	Buffers        map[string]int   `json:"buffers"`
	MQTTConnected  bool             `json:"mqttConnected"`
	ClientID       string           `json:"clientId"`
	CircuitBreaker string           `json:"circuitBreaker"`
}

func (b *Bridge) registerHandlers() {
	mux := b.Mux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /status", b.handleStatus)
	mux.HandleFunc("GET /devices/{id}", b.handleDevice)
	mux.Handle("GET /metrics", b.metrics.Handler())
}

// Health assembles the current health report.
func (b *Bridge) Health() HealthReport {
	usage := b.monitor.Sample()
	level := b.monitor.Thresholds().Classify(usage)
	utilization := b.buffers.Utilization()
	connected := b.conn.IsConnected()
	return HealthReport{
		Status:    EvaluateHealth(connected, level, utilization),
		Timestamp: time.Now().UTC().Format(types.TimestampLayout),
		MQTT: MQTTHealth{
			Connected: connected,
			ClientID:  b.conn.ClientID(),
			State:     b.conn.State().String(),
		},
		Memory:  usage,
		Buffers: utilization,
		Metrics: b.metrics.Snapshot(),
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := b.Health()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	b.writeJSON(w, code, report)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := StatusReport{
		Metrics:        b.metrics.Snapshot(),
		Buffers:        b.buffers.Lengths(),
		MQTTConnected:  b.conn.IsConnected(),
		ClientID:       b.conn.ClientID(),
		CircuitBreaker: b.publisher.State(),
	}
	if !b.startedAt.IsZero() {
		report.UptimeSeconds = time.Since(b.startedAt).Seconds()
	}
	runtime.ReadMemStats(&report.Memory)
	b.writeJSON(w, http.StatusOK, report)
}

func (b *Bridge) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := b.presence.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, presence.ErrNotFound):
		b.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found", "deviceId": id})
	case err != nil:
		b.logger.Warn().Err(err).Str("device_id", id).Msg("Presence lookup failed.")
		b.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presence lookup failed"})
	default:
		b.writeJSON(w, http.StatusOK, rec)
	}
}

func (b *Bridge) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to write response.")
	}
}
