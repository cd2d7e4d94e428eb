package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/clinicflow/dispatch/internal/store"
)

// Handler implements the queue collaborator API: it creates and lists
// queues and pills, then hands off to the core dispatch state machine.
// The dispatcher core exposes no HTTP surface of its own; this package is
// the boundary other systems actually call.
type Handler struct {
	store    Store
	dispatch DispatchTrigger
	log      *slog.Logger

	// roomRoundRobin alternates target_room between 1 and 2 for queues
	// with no liquid item, mirroring the creation collaborator's room
	// assignment policy. It is scheduling advice, not an invariant the
	// core depends on, so a plain atomic counter (reset on restart) is
	// sufficient.
	roomRoundRobin atomic.Int64
}

// NewHandler builds a Handler wired to its collaborators.
func NewHandler(st Store, dispatch DispatchTrigger, log *slog.Logger) *Handler {
	return &Handler{store: st, dispatch: dispatch, log: log}
}

type createQueueRequest struct {
	PatientID int64  `json:"patient_id"`
	Items     []Item `json:"items"`
}

type createQueueResponse struct {
	ID         int64 `json:"id"`
	TargetRoom int   `json:"target_room"`
}

// CreateQueue handles POST /api/v1/queues: validates the request, normalizes
// liquid quantities to 1, decrements pill stock, picks the target room
// (room 3 whenever any item is liquid, otherwise alternating between rooms
// 1 and 2), inserts the queue and its items, and triggers a dispatch
// attempt.
func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty")
		return
	}

	ctx := r.Context()
	hasLiquid := false
	items := make([]store.QueueItem, 0, len(req.Items))

	for _, it := range req.Items {
		if it.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, "item quantity must be positive")
			return
		}
		pill, err := h.store.GetPill(ctx, it.PillID)
		if err != nil {
			h.log.Error("create queue: get pill", "pill_id", it.PillID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if pill == nil {
			writeError(w, http.StatusBadRequest, "unknown pill id")
			return
		}

		qty := it.Quantity
		if pill.Type == store.PillLiquid {
			hasLiquid = true
			qty = 1
		}

		if err := h.store.DecrementPillStock(ctx, it.PillID, qty); err != nil {
			h.log.Error("create queue: decrement stock", "pill_id", it.PillID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		items = append(items, store.QueueItem{PillID: it.PillID, Quantity: qty})
	}

	targetRoom := 3
	if !hasLiquid {
		n := h.roomRoundRobin.Add(1)
		targetRoom = int(1 + (n-1)%2)
	}

	createdMessage, _ := json.Marshal(req)
	id, err := h.store.CreateQueue(ctx, req.PatientID, targetRoom, items, string(createdMessage))
	if err != nil {
		h.log.Error("create queue: store", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.dispatch != nil {
		h.dispatch.Dispatch(ctx)
	}

	writeJSON(w, http.StatusCreated, createQueueResponse{ID: id, TargetRoom: targetRoom})
}

// ListQueues handles GET /api/v1/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.store.ListQueues(r.Context())
	if err != nil {
		h.log.Error("list queues", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

// ListPills handles GET /api/v1/pills.
func (h *Handler) ListPills(w http.ResponseWriter, r *http.Request) {
	pills, err := h.store.ListPills(r.Context())
	if err != nil {
		h.log.Error("list pills", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, pills)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
