package mqttconverter

import "time"

// InMessage represents a raw message received directly from the MQTT broker.
type InMessage struct {
	Payload   []byte    `json:"payload"`
	Topic     string    `json:"topic"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Duplicate bool      `json:"duplicate"`
}

// Bridge status values published to the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	ReasonUnexpectedDisconnect = "unexpected_disconnect"
	ReasonGracefulShutdown     = "graceful_shutdown"
)

// StatusMessage is the retained JSON document published to the status topic.
type StatusMessage struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"clientId"`
	Reason    string `json:"reason,omitempty"`
}
