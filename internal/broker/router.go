package broker

import (
	"context"
	"log/slog"

	"github.com/clinicflow/dispatch/internal/join"
	"github.com/clinicflow/dispatch/internal/readiness"
	"github.com/clinicflow/dispatch/internal/store"
)

// DispatchTrigger is the subset of the Dispatcher the Router needs: a
// level-triggered nudge to re-evaluate "is there pending work and are both
// nodes ready". Defined here, in the consumer, so the Router can be tested
// against a fake without importing the dispatch package.
type DispatchTrigger interface {
	Dispatch(ctx context.Context)
}

// Router classifies inbound broker messages on disp/ack/+, disp/evt/+, and
// disp/state/+ (plus disp/vision/* for standalone reports) and routes each
// to the Completion Joiner, the Readiness Tracker, or a plain audit event.
type Router struct {
	store     *store.Store
	joiner    *join.Joiner
	readiness *readiness.Tracker
	dispatch  DispatchTrigger
	log       *slog.Logger
}

// NewRouter builds a Router wired to its collaborators.
func NewRouter(st *store.Store, joiner *join.Joiner, tracker *readiness.Tracker, dispatch DispatchTrigger, log *slog.Logger) *Router {
	return &Router{store: st, joiner: joiner, readiness: tracker, dispatch: dispatch, log: log}
}

// HandleMessage classifies and processes one inbound message. It never
// returns an error for malformed or unrecognized payloads — those are
// recorded as audit events and dropped, per the error-handling policy that
// nothing in the core retries automatically. A non-nil error indicates a
// store failure the caller should log.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	msg, err := Classify(topic, payload)
	if err != nil {
		r.log.Warn("malformed payload", "topic", topic, "error", err)
		return r.store.AppendEvent(ctx, nil, store.EventAckParseError, string(payload))
	}

	switch msg.Kind {
	case KindAck:
		return r.handleAck(ctx, msg, payload)
	case KindCompletion:
		return r.handleCompletion(ctx, msg, payload)
	case KindNodeState:
		return r.handleNodeState(ctx, msg, payload)
	case KindVision:
		return r.handleVision(ctx, msg)
	default:
		r.log.Warn("unrecognized message shape", "topic", topic)
		return r.store.AppendEvent(ctx, msg.QueueID, store.EventAckUnknown, string(payload))
	}
}

// handleAck, handleCompletion, and handleNodeState all persist the
// original payload bytes as the event message, not a re-serialized copy of
// the classified Message struct — the joiner's companion-status parsing
// and any external audit consumer depend on seeing the exact JSON a node
// sent, field casing included.

func (r *Router) handleAck(ctx context.Context, msg Message, payload []byte) error {
	kind := store.EventAckRejected
	if msg.Accepted != nil && *msg.Accepted == 1 {
		kind = store.EventAckAccepted
	}
	return r.store.AppendEvent(ctx, msg.QueueID, kind, string(payload))
}

func (r *Router) handleCompletion(ctx context.Context, msg Message, payload []byte) error {
	if msg.NodeID == nil || msg.QueueID == nil || (*msg.NodeID != 1 && *msg.NodeID != 2) {
		r.log.Warn("completion message missing node id/queue id or node id out of range", "topic", msg.Topic)
		return r.store.AppendEvent(ctx, msg.QueueID, store.EventAckUnknown, string(payload))
	}

	outcome, err := r.joiner.HandleCompletion(ctx, join.CompletionInput{
		QueueID:  *msg.QueueID,
		NodeID:   *msg.NodeID,
		Status:   msg.Status,
		Detected: msg.Detected,
		Raw:      string(payload),
	})
	if err != nil {
		return err
	}
	if outcome.TriggersDispatch && r.dispatch != nil {
		r.dispatch.Dispatch(ctx)
	}
	return nil
}

func (r *Router) handleNodeState(ctx context.Context, msg Message, payload []byte) error {
	if msg.NodeID == nil {
		r.log.Warn("node-state message missing node id", "topic", msg.Topic)
		return nil
	}
	online := msg.Online != nil && *msg.Online == 1
	ready := msg.Ready != nil && *msg.Ready == 1
	var uptime int64
	if msg.Uptime != nil {
		uptime = *msg.Uptime
	}
	if err := r.readiness.Upsert(ctx, *msg.NodeID, online, ready, uptime); err != nil {
		return err
	}
	if err := r.store.AppendEvent(ctx, nil, store.EventNodeState, string(payload)); err != nil {
		return err
	}
	if r.dispatch != nil {
		r.dispatch.Dispatch(ctx)
	}
	return nil
}

func (r *Router) handleVision(ctx context.Context, msg Message) error {
	return r.joiner.HandleStandaloneVision(ctx, msg.QueueID, *msg.CountDetected)
}
