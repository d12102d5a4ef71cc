// Package routing maps wildcard-subscribed MQTT topics onto destination
// Pub/Sub topics.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

// ErrInvalidPattern is returned when a topic pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid topic pattern")

// Message classes, used to label latency observations.
const (
	ClassRegistration = "registration"
	ClassTelemetry    = "telemetry"
)

// MQTT QoS levels used for subscriptions.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

// TopicMapping binds an MQTT subscription pattern to a destination topic.
// Patterns may use the single-level '+' wildcard.
type TopicMapping struct {
	Pattern     string
	Destination string
	QoS         byte
}

// Route is the result of routing an inbound topic.
type Route struct {
	Destination string
	DeviceID    string
	Priority    types.Priority
	QoS         byte
	Class       string
}

type compiledMapping struct {
	TopicMapping
	matcher *regexp.Regexp
}

// Router resolves inbound topics against an immutable, ordered mapping table.
// It is safe for concurrent use.
type Router struct {
	mappings          []compiledMapping
	urgentDestination string
}

// DefaultMappings returns the standard device subscriptions. Registrations use
// QoS 1, high-volume telemetry QoS 0.
func DefaultMappings(sensorTopic, registrationTopic string) []TopicMapping {
	return []TopicMapping{
		{Pattern: "device/sensordata/+", Destination: sensorTopic, QoS: QoSAtMostOnce},
		{Pattern: "device/registration/+", Destination: registrationTopic, QoS: QoSAtLeastOnce},
	}
}

// NewRouter compiles every mapping pattern once. Messages routed to
// urgentDestination are tagged urgent.
func NewRouter(mappings []TopicMapping, urgentDestination string) (*Router, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("at least one topic mapping is required")
	}
	compiled := make([]compiledMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.Destination == "" {
			return nil, fmt.Errorf("%w: %q has no destination", ErrInvalidPattern, m.Pattern)
		}
		re, err := compilePattern(m.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledMapping{TopicMapping: m, matcher: re})
	}
	return &Router{mappings: compiled, urgentDestination: urgentDestination}, nil
}

// compilePattern turns an MQTT pattern into an anchored matcher where each
// '+' matches exactly one path segment.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if strings.Contains(pattern, "#") {
		return nil, fmt.Errorf("%w: %q uses '#', only '+' is supported", ErrInvalidPattern, pattern)
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		switch {
		case seg == "+":
			segments[i] = "[^/]+"
		case strings.Contains(seg, "+"):
			return nil, fmt.Errorf("%w: %q has '+' inside a segment", ErrInvalidPattern, pattern)
		default:
			segments[i] = regexp.QuoteMeta(seg)
		}
	}
	re, err := regexp.Compile("^" + strings.Join(segments, "/") + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// Route returns the first mapping that matches topic. The second return value
// is false when nothing matches; such messages are dropped by the caller.
func (r *Router) Route(topic string) (Route, bool) {
	for _, m := range r.mappings {
		if !m.matcher.MatchString(topic) {
			continue
		}
		route := Route{
			Destination: m.Destination,
			DeviceID:    DeviceIDFromTopic(topic),
			Priority:    types.PriorityNormal,
			QoS:         m.QoS,
			Class:       ClassTelemetry,
		}
		if m.Destination == r.urgentDestination {
			route.Priority = types.PriorityUrgent
			route.Class = ClassRegistration
		}
		return route, true
	}
	return Route{}, false
}

// Subscriptions returns every pattern with the QoS it should be subscribed at.
func (r *Router) Subscriptions() map[string]byte {
	subs := make(map[string]byte, len(r.mappings))
	for _, m := range r.mappings {
		subs[m.Pattern] = m.QoS
	}
	return subs
}

// Mappings returns a copy of the mapping table in match order.
func (r *Router) Mappings() []TopicMapping {
	out := make([]TopicMapping, len(r.mappings))
	for i, m := range r.mappings {
		out[i] = m.TopicMapping
	}
	return out
}

// DeviceIDFromTopic returns the last '/'-delimited segment of topic.
func DeviceIDFromTopic(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
