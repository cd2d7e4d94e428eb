// Package join implements the Completion Joiner: it records each node's
// completion event, optionally verifies a camera-reported detected count,
// and finalizes a queue once both nodes have reported.
package join

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clinicflow/dispatch/internal/store"
)

// AuditRecorder records a queue's terminal outcome to an external,
// hash-chained log. It is an additive observer: a failure to record never
// blocks or reverses the queue's finalization, which has already committed
// by the time RecordOutcome is called.
type AuditRecorder interface {
	RecordOutcome(queueID int64, outcome, reason string) error
}

// ArchiveSink mirrors finalized queue outcomes to an external store. Like
// AuditRecorder, it is best-effort and never participates in the
// claim/join transaction.
type ArchiveSink interface {
	RecordOutcome(ctx context.Context, queueID int64, outcome, reason string)
}

// Joiner finalizes queues by aggregating per-node completion events under
// one transaction per completion, so the second node to report always
// observes the first's event.
type Joiner struct {
	store   *store.Store
	log     *slog.Logger
	audit   AuditRecorder
	archive ArchiveSink
}

// NewJoiner builds a Joiner backed by st. audit and archive may be nil to
// disable those additive observers.
func NewJoiner(st *store.Store, audit AuditRecorder, archive ArchiveSink, log *slog.Logger) *Joiner {
	return &Joiner{store: st, log: log, audit: audit, archive: archive}
}

// recordOutcome fans a finalized queue's outcome out to the best-effort
// observers. It is always called after the finalizing transaction has
// committed, never from inside it.
func (j *Joiner) recordOutcome(ctx context.Context, queueID int64, outcome store.QueueStatus, reason string) {
	if j.audit != nil {
		if err := j.audit.RecordOutcome(queueID, string(outcome), reason); err != nil {
			j.log.Error("audit log record failed", "queue_id", queueID, "error", err)
		}
	}
	if j.archive != nil {
		j.archive.RecordOutcome(ctx, queueID, string(outcome), reason)
	}
}

// CompletionInput is a parsed disp/evt/{n} message handed to HandleCompletion
// by the Router.
type CompletionInput struct {
	QueueID  int64
	NodeID   int
	Status   string
	Detected *int
	Raw      string
}

// CompletionOutcome reports what HandleCompletion did, for the Router to
// decide whether to re-evaluate dispatch.
type CompletionOutcome struct {
	// Duplicate is true when this node already had a recorded completion
	// for this queue; the message was dropped without being reprocessed.
	Duplicate bool

	// Finalized is true when this call transitioned the queue to a
	// terminal status (success, failed-by-join, or failed-by-verification).
	Finalized bool

	// Outcome is the terminal status reached, valid only if Finalized.
	Outcome store.QueueStatus

	// TriggersDispatch is true when the in_progress slot was freed by this
	// call (finalized, whether success or failed) and the Dispatcher
	// should be re-evaluated.
	TriggersDispatch bool
}

type completionPayload struct {
	Status string `json:"status"`
}

// parseCompanionStatus extracts the companion node's reported status from
// its stored raw event message. A missing or unparseable status defaults
// to failed.
func parseCompanionStatus(raw string) string {
	var p completionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Status == "" {
		return "failed"
	}
	return p.Status
}

func effectiveStatus(status string) string {
	if status == "" {
		return "failed"
	}
	return status
}

// HandleCompletion runs the dedup → record → verify → join algorithm for
// one node's completion message, all inside a single transaction.
func (j *Joiner) HandleCompletion(ctx context.Context, in CompletionInput) (CompletionOutcome, error) {
	kind := store.EventKindForNode(in.NodeID)
	companionNodeID := 1
	if in.NodeID == 1 {
		companionNodeID = 2
	}
	companionKind := store.EventKindForNode(companionNodeID)

	tx, err := j.store.Begin(ctx)
	if err != nil {
		return CompletionOutcome{}, err
	}
	defer tx.Rollback()

	// 1. Dedup.
	exists, _, err := tx.EventExists(ctx, in.QueueID, kind)
	if err != nil {
		return CompletionOutcome{}, err
	}
	if exists {
		j.log.Warn("duplicate completion dropped", "queue_id", in.QueueID, "node_id", in.NodeID)
		return CompletionOutcome{Duplicate: true}, tx.Commit()
	}

	// 2. Record.
	eventID, err := tx.InsertEvent(ctx, &in.QueueID, kind, in.Raw)
	if err != nil {
		return CompletionOutcome{}, err
	}

	// The companion node may already have short-circuited this queue to
	// failed (a verification shortfall finalizes as soon as one node's
	// count comes up short, without waiting for the other). This node's
	// report is still recorded above for the audit trail, but must not
	// re-finalize or re-record an already-terminal queue.
	status, ok, err := tx.GetQueueStatus(ctx, in.QueueID)
	if err != nil {
		return CompletionOutcome{}, err
	}
	if ok && status != store.StatusInProgress {
		j.log.Info("completion recorded for already-finalized queue", "queue_id", in.QueueID, "node_id", in.NodeID, "status", status)
		return CompletionOutcome{}, tx.Commit()
	}

	// 3. Verification (optional, server-side).
	if in.Detected != nil {
		expected, err := tx.ExpectedQuantity(ctx, in.QueueID)
		if err != nil {
			return CompletionOutcome{}, err
		}
		if *in.Detected < expected {
			reason := fmt.Sprintf("verification_failed_node%d:detected=%d:expected=%d", in.NodeID, *in.Detected, expected)

			rewritten, merr := mergeVerificationFailure(in.Raw, *in.Detected, expected)
			if merr != nil {
				rewritten = in.Raw
			}
			if err := tx.UpdateEventMessage(ctx, eventID, rewritten); err != nil {
				return CompletionOutcome{}, err
			}
			if _, err := tx.InsertEvent(ctx, &in.QueueID, store.EventNodeVerificationFailed, rewritten); err != nil {
				return CompletionOutcome{}, err
			}
			if err := tx.FinalizeQueue(ctx, in.QueueID, store.StatusFailed, reason); err != nil {
				return CompletionOutcome{}, err
			}
			if err := tx.Commit(); err != nil {
				return CompletionOutcome{}, err
			}
			j.log.Info("queue failed verification", "queue_id", in.QueueID, "node_id", in.NodeID, "reason", reason)
			j.recordOutcome(ctx, in.QueueID, store.StatusFailed, reason)
			return CompletionOutcome{Finalized: true, Outcome: store.StatusFailed, TriggersDispatch: true}, nil
		}
		if _, err := tx.InsertEvent(ctx, &in.QueueID, store.EventNodeVerificationPass, in.Raw); err != nil {
			return CompletionOutcome{}, err
		}
	}

	// 4. Join.
	companionExists, companionRaw, err := tx.EventExists(ctx, in.QueueID, companionKind)
	if err != nil {
		return CompletionOutcome{}, err
	}
	if !companionExists {
		return CompletionOutcome{}, tx.Commit()
	}

	myStatus := effectiveStatus(in.Status)
	companionStatus := parseCompanionStatus(companionRaw)

	var outcome store.QueueStatus
	var reason string
	if (myStatus == "success" || myStatus == "ok") && (companionStatus == "success" || companionStatus == "ok") {
		outcome = store.StatusSuccess
	} else {
		outcome = store.StatusFailed
		node1Status, node2Status := myStatus, companionStatus
		if in.NodeID == 2 {
			node1Status, node2Status = companionStatus, myStatus
		}
		reason = fmt.Sprintf("node1:%s, node2:%s", node1Status, node2Status)
	}

	if err := tx.FinalizeQueue(ctx, in.QueueID, outcome, reason); err != nil {
		return CompletionOutcome{}, err
	}
	if outcome == store.StatusFailed {
		if _, err := tx.InsertEvent(ctx, &in.QueueID, store.EventQueueFailed, reason); err != nil {
			return CompletionOutcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CompletionOutcome{}, err
	}

	j.log.Info("queue finalized", "queue_id", in.QueueID, "outcome", outcome)
	j.recordOutcome(ctx, in.QueueID, outcome, reason)
	return CompletionOutcome{Finalized: true, Outcome: outcome, TriggersDispatch: true}, nil
}

// mergeVerificationFailure rewrites a completion event's stored JSON to
// carry status=failed and an embedded verification block, so the audit
// trail records the server's verdict rather than the node's original
// self-report.
func mergeVerificationFailure(raw string, detected, expected int) (string, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return "", err
	}
	m["status"] = "failed"
	m["verification"] = map[string]int{"expected": expected, "detected": detected}
	out, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// HandleStandaloneVision records a vision_check event for a count_detected
// report that did not arrive alongside done==1. When queueID is nil, it
// resolves to the single current in_progress queue, if unambiguous.
func (j *Joiner) HandleStandaloneVision(ctx context.Context, queueID *int64, countDetected int) error {
	target := queueID
	if target == nil {
		id, err := j.store.CurrentInProgressQueueID(ctx)
		if err != nil {
			return err
		}
		if id == nil {
			j.log.Warn("standalone vision report with no unambiguous in-progress queue", "count_detected", countDetected)
			return nil
		}
		target = id
	}

	expected, err := j.store.ReadExpected(ctx, *target)
	if err != nil {
		return err
	}

	message, _ := json.Marshal(map[string]int{"count_detected": countDetected, "expected": expected})
	if err := j.store.AppendEvent(ctx, target, store.EventVisionCheck, string(message)); err != nil {
		return err
	}

	summary := fmt.Sprintf("vision check: detected=%d expected=%d", countDetected, expected)
	return j.store.SetQueueNote(ctx, *target, summary)
}
