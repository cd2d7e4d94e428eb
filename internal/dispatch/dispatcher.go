// Package dispatch implements the Dispatcher: the single entry point that
// selects the next eligible queue and publishes it to both nodes.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicflow/dispatch/internal/broker"
	"github.com/clinicflow/dispatch/internal/readiness"
	"github.com/clinicflow/dispatch/internal/store"
)

// cmdItem is one line item in the node-1 dispatch payload.
type cmdItem struct {
	PillID   int64 `json:"pill_id"`
	Quantity int   `json:"quantity"`
}

type cmdNode1 struct {
	QueueID    int64     `json:"queue_id"`
	PatientID  int64     `json:"patient_id"`
	TargetRoom int       `json:"target_room"`
	Items      []cmdItem `json:"items"`
}

type cmdNode2 struct {
	QueueID    int64 `json:"queue_id"`
	PatientID  int64 `json:"patient_id"`
	TargetRoom int   `json:"target_room"`
}

// Dispatcher selects the next eligible queue under the FIFO +
// single-in-progress rule, atomically claims it, and publishes it to both
// nodes. Dispatch is idempotent and safe to call concurrently from the
// router, the watchdog, or the queue-creation path — it is the single
// level-triggered condition "∃ pending ∧ both-ready ∧ ¬∃ in-progress"
// evaluated from whichever call site happened to notice a state change.
type Dispatcher struct {
	store     *store.Store
	readiness *readiness.Tracker
	publisher broker.Publisher
	log       *slog.Logger

	// mu serializes Dispatch invocations so overlapping triggers (e.g. a
	// node-state message and the watchdog firing at the same instant)
	// don't both observe the same pending row before either claims it.
	// ClaimPending is already race-free at the database level; this lock
	// only avoids redundant work and log noise from simultaneous callers.
	mu sync.Mutex
}

// NewDispatcher builds a Dispatcher wired to its collaborators.
func NewDispatcher(st *store.Store, tracker *readiness.Tracker, publisher broker.Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, readiness: tracker, publisher: publisher, log: log}
}

// SetPublisher swaps the outbound publisher, used once the broker client
// finishes connecting — the Dispatcher is constructed before the broker
// client so the client's message callback can close over a router that in
// turn closes over the Dispatcher.
func (d *Dispatcher) SetPublisher(publisher broker.Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publisher = publisher
}

// Dispatch runs the selection algorithm once. It never blocks on external
// I/O beyond the store and the publisher's fire-and-forget publish.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inProgress, err := d.store.ListInProgress(ctx)
	if err != nil {
		d.log.Error("dispatch: list in progress", "error", err)
		return
	}
	if len(inProgress) > 0 {
		if len(inProgress) > 1 {
			d.log.Warn("more than one queue in_progress, single-in-progress invariant violated", "count", len(inProgress))
		}
		return
	}

	next, err := d.store.NextPending(ctx)
	if err != nil {
		d.log.Error("dispatch: next pending", "error", err)
		return
	}
	if next == nil {
		return
	}

	ready, diagnostic, err := d.readiness.BothReady(ctx)
	if err != nil {
		d.log.Error("dispatch: both ready", "error", err)
		return
	}
	if !ready {
		d.log.Info("dispatch: nodes not both ready", "queue_id", next.Queue.ID, "reason", diagnostic)
		return
	}

	claimed, err := d.store.ClaimPending(ctx, next.Queue.ID)
	if err != nil {
		d.log.Error("dispatch: claim pending", "queue_id", next.Queue.ID, "error", err)
		return
	}
	if !claimed {
		d.log.Info("dispatch: lost claim race, will retry on next trigger", "queue_id", next.Queue.ID)
		return
	}

	items := make([]cmdItem, 0, len(next.Items))
	for _, it := range next.Items {
		items = append(items, cmdItem{PillID: it.PillID, Quantity: it.Quantity})
	}

	payload1, err := json.Marshal(cmdNode1{
		QueueID:    next.Queue.ID,
		PatientID:  next.Queue.PatientID,
		TargetRoom: next.Queue.TargetRoom,
		Items:      items,
	})
	if err != nil {
		d.log.Error("dispatch: marshal node1 payload", "queue_id", next.Queue.ID, "error", err)
		return
	}
	payload2, err := json.Marshal(cmdNode2{
		QueueID:    next.Queue.ID,
		PatientID:  next.Queue.PatientID,
		TargetRoom: next.Queue.TargetRoom,
	})
	if err != nil {
		d.log.Error("dispatch: marshal node2 payload", "queue_id", next.Queue.ID, "error", err)
		return
	}

	if err := d.publisher.Publish(ctx, broker.TopicCmd1, payload1); err != nil {
		d.log.Error("dispatch: publish node1", "queue_id", next.Queue.ID, "error", err)
	}
	if err := d.publisher.Publish(ctx, broker.TopicCmd2, payload2); err != nil {
		d.log.Error("dispatch: publish node2", "queue_id", next.Queue.ID, "error", err)
	}

	d.readiness.MarkAdvisoryReady(1, false)
	d.readiness.MarkAdvisoryReady(2, false)

	d.log.Info("dispatched queue", "queue_id", next.Queue.ID, "patient_id", next.Queue.PatientID, "target_room", next.Queue.TargetRoom)
}

// RunWatchdog polls every interval and calls Dispatch, guaranteeing
// liveness if an edge-triggered call site missed a state change (e.g. a
// message arrived before the Dispatcher was wired up, or a completion race
// left the advisory flags stale). It returns when ctx is done.
func (d *Dispatcher) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}
