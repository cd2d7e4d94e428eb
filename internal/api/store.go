package api

import (
	"context"

	"github.com/clinicflow/dispatch/internal/store"
)

// Item is the wire representation of one requested pill/quantity pair in a
// POST /api/v1/queues body.
type Item struct {
	PillID   int64 `json:"pill_id"`
	Quantity int   `json:"quantity"`
}

// Store is the persistence surface the queue collaborator API needs. It is
// a narrow view of *store.Store, defined here in the consuming package so
// handlers can be tested against a fake.
type Store interface {
	GetPill(ctx context.Context, id int64) (*store.Pill, error)
	DecrementPillStock(ctx context.Context, id int64, qty int) error
	CreateQueue(ctx context.Context, patientID int64, targetRoom int, items []store.QueueItem, createdEventMessage string) (int64, error)
	ListQueues(ctx context.Context) ([]store.Queue, error)
	ListPills(ctx context.Context) ([]store.Pill, error)
}

// DispatchTrigger lets the API nudge the Dispatcher after a successful
// queue creation: POST decrements pill stock, creates the row with its
// items, and then calls Dispatch().
type DispatchTrigger interface {
	Dispatch(ctx context.Context)
}
