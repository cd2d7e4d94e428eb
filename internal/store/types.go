package store

import "time"

// QueueStatus is the lifecycle state of a Queue row.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusInProgress QueueStatus = "in_progress"
	StatusSuccess    QueueStatus = "success"
	StatusFailed     QueueStatus = "failed"
)

// PillType determines whether a quantity is dispensed per-unit (solid) or
// forced to exactly 1 (liquid).
type PillType string

const (
	PillSolid  PillType = "solid"
	PillLiquid PillType = "liquid"
)

// EventKind enumerates the event_kind values the core writes to the
// append-only events table.
type EventKind string

const (
	EventCreated                EventKind = "created"
	EventAckAccepted            EventKind = "ack_accepted"
	EventAckRejected            EventKind = "ack_rejected"
	EventDoneNode1              EventKind = "evt_done_node1"
	EventDoneNode2              EventKind = "evt_done_node2"
	EventNodeState              EventKind = "node_state"
	EventNodeVerificationPass   EventKind = "node_verification_pass"
	EventNodeVerificationFailed EventKind = "node_verification_failed"
	EventQueueFailed            EventKind = "queue_failed"
	EventVisionCheck            EventKind = "vision_check"
	EventAckUnknown             EventKind = "ack_unknown"
	EventAckParseError          EventKind = "ack_parse_error"
)

// EventKindForNode returns the per-node completion event kind for node 1 or
// node 2. It panics for any other node id, since callers must only invoke it
// after validating the node id.
func EventKindForNode(nodeID int) EventKind {
	switch nodeID {
	case 1:
		return EventDoneNode1
	case 2:
		return EventDoneNode2
	default:
		panic("store: EventKindForNode: invalid node id")
	}
}

// Queue maps to the `queues` table.
type Queue struct {
	ID           int64
	PatientID    int64
	TargetRoom   int
	Status       QueueStatus
	QueueNumber  int64
	CreatedAt    time.Time
	ServedAt     *time.Time
	Note         string
	FailedReason string
}

// QueueItem maps to the `queue_items` table.
type QueueItem struct {
	QueueID  int64
	PillID   int64
	Quantity int
}

// QueueWithItems bundles a Queue with its items, as returned by NextPending.
type QueueWithItems struct {
	Queue Queue
	Items []QueueItem
}

// Event maps to the `events` table — the append-only audit log.
type Event struct {
	ID        int64
	QueueID   *int64
	Timestamp time.Time
	Kind      EventKind
	Message   string // raw JSON
}

// NodeStatus maps to the `node_status` table. Exactly one row exists per
// node id (1 or 2).
type NodeStatus struct {
	NodeID           int
	Online           bool
	Ready            bool
	Uptime           int64
	LastSeen         time.Time
	LastReadyChange  time.Time
	LastOnlineChange time.Time
}

// Pill maps to the `pills` table.
type Pill struct {
	ID     int64
	Name   string
	Type   PillType
	Amount int
}
