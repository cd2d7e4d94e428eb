package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clinicflow/dispatch/internal/api"
	"github.com/clinicflow/dispatch/internal/store"
)

type fakeStore struct {
	pills      map[int64]*store.Pill
	decrements map[int64]int
	created    []fakeCreateCall
}

type fakeCreateCall struct {
	patientID  int64
	targetRoom int
	items      []store.QueueItem
}

func (f *fakeStore) GetPill(ctx context.Context, id int64) (*store.Pill, error) {
	return f.pills[id], nil
}

func (f *fakeStore) DecrementPillStock(ctx context.Context, id int64, qty int) error {
	if f.decrements == nil {
		f.decrements = map[int64]int{}
	}
	f.decrements[id] += qty
	return nil
}

func (f *fakeStore) CreateQueue(ctx context.Context, patientID int64, targetRoom int, items []store.QueueItem, msg string) (int64, error) {
	f.created = append(f.created, fakeCreateCall{patientID: patientID, targetRoom: targetRoom, items: items})
	return int64(len(f.created)), nil
}

func (f *fakeStore) ListQueues(ctx context.Context) ([]store.Queue, error) { return nil, nil }
func (f *fakeStore) ListPills(ctx context.Context) ([]store.Pill, error)   { return nil, nil }

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) Dispatch(ctx context.Context) { f.calls++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateQueue_LiquidForcesQuantityOneAndRoom3(t *testing.T) {
	fs := &fakeStore{pills: map[int64]*store.Pill{
		1: {ID: 1, Name: "syrup", Type: store.PillLiquid, Amount: 100},
	}}
	trigger := &fakeTrigger{}
	h := api.NewHandler(fs, trigger, testLogger())

	body, _ := json.Marshal(map[string]any{
		"patient_id": 7,
		"items":      []map[string]any{{"pill_id": 1, "quantity": 5}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.CreateQueue(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	if len(fs.created) != 1 {
		t.Fatalf("created %d queues, want 1", len(fs.created))
	}
	call := fs.created[0]
	if call.targetRoom != 3 {
		t.Errorf("target_room = %d, want 3 for liquid item", call.targetRoom)
	}
	if call.items[0].Quantity != 1 {
		t.Errorf("liquid quantity = %d, want 1", call.items[0].Quantity)
	}
	if trigger.calls != 1 {
		t.Errorf("dispatch triggered %d times, want 1", trigger.calls)
	}
}

func TestCreateQueue_RejectsEmptyItems(t *testing.T) {
	fs := &fakeStore{}
	h := api.NewHandler(fs, &fakeTrigger{}, testLogger())

	body, _ := json.Marshal(map[string]any{"patient_id": 1, "items": []map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.CreateQueue(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateQueue_UnknownPillRejected(t *testing.T) {
	fs := &fakeStore{pills: map[int64]*store.Pill{}}
	h := api.NewHandler(fs, &fakeTrigger{}, testLogger())

	body, _ := json.Marshal(map[string]any{
		"patient_id": 1,
		"items":      []map[string]any{{"pill_id": 99, "quantity": 1}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queues", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.CreateQueue(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := api.NewHandler(&fakeStore{}, nil, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Healthz(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
