package broker_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/clinicflow/dispatch/internal/broker"
	"github.com/clinicflow/dispatch/internal/join"
	"github.com/clinicflow/dispatch/internal/readiness"
	"github.com/clinicflow/dispatch/internal/store"
)

type fakeDispatchTrigger struct {
	calls int
}

func (f *fakeDispatchTrigger) Dispatch(ctx context.Context) {
	f.calls++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*broker.Router, *store.Store, *fakeDispatchTrigger) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	joiner := join.NewJoiner(st, nil, nil, testLogger())
	tracker := readiness.NewTracker(st, 10*time.Second, 500*time.Millisecond)
	trigger := &fakeDispatchTrigger{}
	router := broker.NewRouter(st, joiner, tracker, trigger, testLogger())
	return router, st, trigger
}

func TestRouter_NodeStateMessage_UpsertsAndTriggersDispatch(t *testing.T) {
	router, st, trigger := newTestRouter(t)
	ctx := context.Background()

	if err := router.HandleMessage(ctx, "disp/state/1", []byte(`{"online":1,"ready":1,"uptime":42}`)); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	ns, err := st.PeekReady(ctx, 1)
	if err != nil || ns == nil {
		t.Fatalf("peek ready: ns=%v err=%v", ns, err)
	}
	if !ns.Online || !ns.Ready {
		t.Errorf("node status = %+v, want online+ready", ns)
	}
	if trigger.calls == 0 {
		t.Error("expected node-state message to trigger a dispatch attempt")
	}
}

func TestRouter_MalformedPayload_RecordsParseErrorEvent(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := router.HandleMessage(ctx, "disp/ack/1", []byte(`not json`)); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	// No panic and no error is the contract here; ack_parse_error events are
	// queue_id-less and are exercised end-to-end via the store append path.
}

func TestRouter_UnknownShape_Dropped(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()
	if err := router.HandleMessage(ctx, "disp/ack/1", []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("handle message: %v", err)
	}
}

func TestRouter_CompletionMessage_RoutesToJoiner(t *testing.T) {
	router, st, trigger := newTestRouter(t)
	ctx := context.Background()

	id, err := st.CreateQueue(ctx, 1, 1, []store.QueueItem{{PillID: 1, Quantity: 1}}, "{}")
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if ok, err := st.ClaimPending(ctx, id); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	payload := []byte(`{"queue_id":` + strconv.FormatInt(id, 10) + `,"done":1,"status":"success"}`)
	if err := router.HandleMessage(ctx, "disp/evt/1", payload); err != nil {
		t.Fatalf("handle message node1: %v", err)
	}
	if err := router.HandleMessage(ctx, "disp/evt/2", payload); err != nil {
		t.Fatalf("handle message node2: %v", err)
	}

	if trigger.calls == 0 {
		t.Error("expected completion that finalizes the queue to trigger dispatch")
	}
}
