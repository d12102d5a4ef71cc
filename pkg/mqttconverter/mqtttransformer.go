package mqttconverter

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-mqttbridge/pkg/routing"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

// NormalizePayload returns the bytes forwarded to the queue. Valid JSON is
// passed through untouched; anything else is wrapped as a JSON string so that
// malformed device payloads are still delivered rather than rejected.
func NormalizePayload(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return raw
	}
	return wrapped
}

// ToBufferedEntry converts a routed InMessage into a queue-ready entry.
func ToBufferedEntry(msg InMessage, route routing.Route) types.BufferedEntry {
	return types.BufferedEntry{
		Payload:    NormalizePayload(msg.Payload),
		Attributes: types.NewAttributes(route.DeviceID, msg.Topic, msg.Timestamp),
		Priority:   route.Priority,
		ReceivedAt: msg.Timestamp,
	}
}

func newStatusMessage(status, clientID, reason string, at time.Time) StatusMessage {
	return StatusMessage{
		Status:    status,
		Timestamp: at.UTC().Format(types.TimestampLayout),
		ClientID:  clientID,
		Reason:    reason,
	}
}

func encodeStatus(msg StatusMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		// StatusMessage only holds strings; this cannot fail.
		return []byte(`{"status":"` + msg.Status + `"}`)
	}
	return b
}
