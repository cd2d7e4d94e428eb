// Package broker parses and classifies inbound MQTT messages and publishes
// outbound dispatch commands.
package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the classification a Message is sorted into by Classify.
type Kind string

const (
	KindAck        Kind = "ack"
	KindCompletion Kind = "completion"
	KindNodeState  Kind = "node_state"
	KindVision     Kind = "vision"
	KindUnknown    Kind = "unknown"
)

// rawPayload mirrors every field any inbound topic may carry. Pointer
// fields distinguish "key absent" (nil) from "key present with zero value",
// which the classification rules in order 1-5 depend on.
type rawPayload struct {
	QueueID       *int64  `json:"queue_id"`
	Accepted      *int    `json:"accepted"`
	Done          *int    `json:"done"`
	Status        *string `json:"status"`
	Detected      *int    `json:"detected"`
	CountDetected *int    `json:"count_detected"`
	Room          *int    `json:"room"`
	Online        *int    `json:"online"`
	Ready         *int    `json:"ready"`
	Uptime        *int64  `json:"uptime"`
}

// Message is a classified, parsed inbound broker message.
type Message struct {
	Topic string
	// NodeID is the decimal last path segment of Topic, or nil if that
	// segment does not parse as an integer (e.g. "disp/vision/cam1").
	NodeID *int
	Kind   Kind

	QueueID       *int64
	Accepted      *int
	Done          *int
	Status        string
	Detected      *int
	CountDetected *int
	Room          *int
	Online        *int
	Ready         *int
	Uptime        *int64
}

// NodeIDFromTopic extracts the decimal node id from the last path segment
// of an MQTT topic, returning nil when that segment is not a valid integer.
func NodeIDFromTopic(topic string) *int {
	parts := strings.Split(topic, "/")
	if len(parts) == 0 {
		return nil
	}
	last := parts[len(parts)-1]
	n, err := strconv.Atoi(last)
	if err != nil {
		return nil
	}
	return &n
}

// Classify parses raw as a JSON object and sorts it into one of the five
// message kinds using the first-match-wins rules: accepted key present →
// ack; done==1 → completion; ready or online key present → node-state;
// count_detected present → standalone vision report; otherwise unknown.
//
// A JSON parse failure is returned as an error; the caller is responsible
// for recording an ack_parse_error event and dropping the message, per the
// policy that malformed payloads never propagate further.
func Classify(topic string, raw []byte) (Message, error) {
	var p rawPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Message{}, fmt.Errorf("broker: malformed payload on %s: %w", topic, err)
	}

	m := Message{
		Topic:         topic,
		NodeID:        NodeIDFromTopic(topic),
		QueueID:       p.QueueID,
		Accepted:      p.Accepted,
		Done:          p.Done,
		Detected:      p.Detected,
		CountDetected: p.CountDetected,
		Room:          p.Room,
		Online:        p.Online,
		Ready:         p.Ready,
		Uptime:        p.Uptime,
	}
	if p.Status != nil {
		m.Status = *p.Status
	}

	switch {
	case p.Accepted != nil:
		m.Kind = KindAck
	case p.Done != nil && *p.Done == 1:
		m.Kind = KindCompletion
	case p.Ready != nil || p.Online != nil:
		m.Kind = KindNodeState
	case p.CountDetected != nil:
		m.Kind = KindVision
	default:
		m.Kind = KindUnknown
	}
	return m, nil
}
