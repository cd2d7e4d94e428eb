package join_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/clinicflow/dispatch/internal/join"
	"github.com/clinicflow/dispatch/internal/store"
)

type fakeAudit struct {
	outcomes []string
}

func (f *fakeAudit) RecordOutcome(queueID int64, outcome, reason string) error {
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedDispatchedQueue(t *testing.T, st *store.Store, qty int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateQueue(ctx, 1, 1, []store.QueueItem{{PillID: 1, Quantity: qty}}, "{}")
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	ok, err := st.ClaimPending(ctx, id)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return id
}

func TestHandleCompletion_FirstArrivalDoesNotFinalize(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 3)

	j := join.NewJoiner(st, nil, nil, testLogger())
	out, err := j.HandleCompletion(context.Background(), join.CompletionInput{
		QueueID: id, NodeID: 1, Status: "success", Raw: `{"queue_id":1,"done":1,"status":"success"}`,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if out.Finalized {
		t.Error("expected not finalized on first arrival")
	}
}

func TestHandleCompletion_BothSuccessFinalizesSuccess(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 3)
	audit := &fakeAudit{}

	j := join.NewJoiner(st, audit, nil, testLogger())
	ctx := context.Background()

	if _, err := j.HandleCompletion(ctx, join.CompletionInput{QueueID: id, NodeID: 1, Status: "success", Raw: `{"status":"success"}`}); err != nil {
		t.Fatalf("node1 completion: %v", err)
	}
	out, err := j.HandleCompletion(ctx, join.CompletionInput{QueueID: id, NodeID: 2, Status: "success", Raw: `{"status":"success"}`})
	if err != nil {
		t.Fatalf("node2 completion: %v", err)
	}
	if !out.Finalized || out.Outcome != store.StatusSuccess {
		t.Fatalf("outcome = %+v, want finalized success", out)
	}
	if len(audit.outcomes) != 1 || audit.outcomes[0] != "success" {
		t.Errorf("audit outcomes = %v, want [success]", audit.outcomes)
	}
}

func TestHandleCompletion_MixedOutcomeFinalizesFailed(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 3)

	j := join.NewJoiner(st, nil, nil, testLogger())
	ctx := context.Background()

	if _, err := j.HandleCompletion(ctx, join.CompletionInput{QueueID: id, NodeID: 1, Status: "success", Raw: `{"status":"success"}`}); err != nil {
		t.Fatalf("node1: %v", err)
	}
	out, err := j.HandleCompletion(ctx, join.CompletionInput{QueueID: id, NodeID: 2, Status: "timeout", Raw: `{"status":"timeout"}`})
	if err != nil {
		t.Fatalf("node2: %v", err)
	}
	if !out.Finalized || out.Outcome != store.StatusFailed {
		t.Fatalf("outcome = %+v, want finalized failed", out)
	}
}

func TestHandleCompletion_DuplicateDropped(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 3)

	j := join.NewJoiner(st, nil, nil, testLogger())
	ctx := context.Background()
	in := join.CompletionInput{QueueID: id, NodeID: 1, Status: "success", Raw: `{"status":"success"}`}

	if _, err := j.HandleCompletion(ctx, in); err != nil {
		t.Fatalf("first: %v", err)
	}
	out, err := j.HandleCompletion(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !out.Duplicate {
		t.Error("expected second identical completion to be flagged duplicate")
	}
}

func TestHandleCompletion_VerificationShortfallFinalizesFailedImmediately(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 5)
	audit := &fakeAudit{}

	j := join.NewJoiner(st, audit, nil, testLogger())
	ctx := context.Background()
	detected := 3

	out, err := j.HandleCompletion(ctx, join.CompletionInput{
		QueueID: id, NodeID: 2, Status: "success", Detected: &detected, Raw: `{"status":"success","detected":3}`,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if !out.Finalized || out.Outcome != store.StatusFailed {
		t.Fatalf("outcome = %+v, want finalized failed", out)
	}

	// Node 1's subsequent completion must not re-open the queue, and must
	// not re-finalize (and so not re-record an audit entry) for a queue
	// the verification shortfall already closed out.
	out2, err := j.HandleCompletion(ctx, join.CompletionInput{QueueID: id, NodeID: 1, Status: "success", Raw: `{"status":"success"}`})
	if err != nil {
		t.Fatalf("node1 after verification failure: %v", err)
	}
	if out2.Finalized {
		t.Errorf("expected node1's late completion to be a no-op, got %+v", out2)
	}
	if len(audit.outcomes) != 1 {
		t.Errorf("audit recorded %d times, want exactly 1 (no re-finalize)", len(audit.outcomes))
	}
}

func TestHandleStandaloneVision_RecordsEventAndNote(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	id := seedDispatchedQueue(t, st, 5)

	j := join.NewJoiner(st, nil, nil, testLogger())
	ctx := context.Background()

	if err := j.HandleStandaloneVision(ctx, nil, 4); err != nil {
		t.Fatalf("handle standalone vision: %v", err)
	}

	queues, err := st.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	var note string
	for _, q := range queues {
		if q.ID == id {
			note = q.Note
		}
	}
	if note == "" {
		t.Error("expected queue note to be set by standalone vision report")
	}
}
