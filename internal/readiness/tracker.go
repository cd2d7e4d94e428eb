// Package readiness tracks node online/ready state and exposes the
// staleness-aware, debounced "both ready" predicate that gates dispatch.
package readiness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicflow/dispatch/internal/store"
)

// Tracker upserts node_status rows and evaluates BothReady. The database
// row is the sole correctness-bearing state; the in-memory map below is an
// advisory cache that is written but never read by BothReady or the claim
// path —
// two concurrent handlers must never be able to disagree about whether a
// node is ready, and a cache read on the write path is exactly how that
// disagreement would happen.
type Tracker struct {
	store    *store.Store
	maxAge   time.Duration
	debounce time.Duration

	mu       sync.Mutex
	advisory map[int]bool
}

// NewTracker builds a Tracker with the given staleness and debounce
// thresholds.
func NewTracker(st *store.Store, maxAge, debounce time.Duration) *Tracker {
	return &Tracker{store: st, maxAge: maxAge, debounce: debounce, advisory: make(map[int]bool)}
}

// Upsert records a node-state report and refreshes the advisory cache.
func (t *Tracker) Upsert(ctx context.Context, nodeID int, online, ready bool, uptime int64) error {
	if err := t.store.UpsertNodeStatus(ctx, nodeID, online, ready, uptime); err != nil {
		return err
	}
	t.mu.Lock()
	t.advisory[nodeID] = ready
	t.mu.Unlock()
	return nil
}

// MarkAdvisoryReady updates the advisory cache only, without touching the
// database. The Dispatcher calls this right after publishing a dispatch
// command, so the in-memory view reflects "just claimed, about to go busy"
// without a round trip through node_status.
func (t *Tracker) MarkAdvisoryReady(nodeID int, ready bool) {
	t.mu.Lock()
	t.advisory[nodeID] = ready
	t.mu.Unlock()
}

// BothReady reports whether both node 1 and node 2 are online, ready,
// fresh (last_seen within maxAge), and stable (last_ready_change at least
// debounce in the past). It also returns a short diagnostic string
// describing which condition failed, for logging.
func (t *Tracker) BothReady(ctx context.Context) (bool, string, error) {
	statuses, err := t.store.NodeStatuses(ctx)
	if err != nil {
		return false, "", err
	}

	now := time.Now()
	for _, nodeID := range []int{1, 2} {
		ns, ok := statuses[nodeID]
		if !ok {
			return false, fmt.Sprintf("node %d has never reported", nodeID), nil
		}
		if !ns.Online || !ns.Ready {
			return false, fmt.Sprintf("node %d not online/ready (online=%v ready=%v)", nodeID, ns.Online, ns.Ready), nil
		}
		if age := now.Sub(ns.LastSeen); age > t.maxAge {
			return false, fmt.Sprintf("node %d stale: last_seen %s ago exceeds max_age %s", nodeID, age, t.maxAge), nil
		}
		if sinceFlip := now.Sub(ns.LastReadyChange); sinceFlip < t.debounce {
			return false, fmt.Sprintf("node %d not debounced: ready flip %s ago, need %s", nodeID, sinceFlip, t.debounce), nil
		}
	}
	return true, "", nil
}
