package types

import (
	"time"
)

// Priority tags a buffered entry with its delivery class.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
)

// SourceTag is the value of the "source" attribute on every published message.
const SourceTag = "mqtt-bridge"

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Attribute keys set on every published message. The device id is carried
// twice, in snake_case and camelCase, for compatibility with both consumers.
const (
	AttrDeviceID      = "device_id"
	AttrDeviceIDCamel = "deviceId"
	AttrTopic         = "topic"
	AttrTimestamp     = "timestamp"
	AttrSource        = "source"
)

// BufferedEntry is a queue-ready message waiting in a per-topic buffer.
type BufferedEntry struct {
	// Payload is the binary body handed to the queue.
	Payload []byte
	// Attributes holds the queue message attributes.
	Attributes map[string]string
	// Priority is urgent for registration-class messages.
	Priority Priority
	// ReceivedAt is when the MQTT message arrived at the bridge.
	ReceivedAt time.Time
}

// DeviceID returns the device identifier carried in the attributes.
func (e BufferedEntry) DeviceID() string {
	return e.Attributes[AttrDeviceID]
}

// NewAttributes builds the attribute map for a message received on sourceTopic.
func NewAttributes(deviceID, sourceTopic string, receivedAt time.Time) map[string]string {
	return map[string]string{
		AttrDeviceID:      deviceID,
		AttrDeviceIDCamel: deviceID,
		AttrTopic:         sourceTopic,
		AttrTimestamp:     receivedAt.UTC().Format(TimestampLayout),
		AttrSource:        SourceTag,
	}
}
