package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is a transaction-scoped handle exposing the primitives the join
// package composes into the completion-handling algorithm: dedup check,
// event insert, rewrite-on-verification-failure, and finalize, all under
// one transaction so a concurrent companion-node message can never be
// observed half-applied.
//
// With the Store's connection pool capped at one (see Open), database/sql
// itself serialises BeginTx calls — a second Begin blocks until the first
// Tx commits or rolls back — so this single-writer transaction already
// carries the immediate-lock semantics the join algorithm needs without
// any additional in-process locking.
type Tx struct {
	tx        *sql.Tx
	committed bool
}

// Begin starts a new transaction-scoped handle.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	t.committed = true
	return nil
}

// Rollback rolls back the transaction. Calling it after a successful Commit
// is a no-op.
func (t *Tx) Rollback() error {
	if t.committed {
		return nil
	}
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

// rollbackIfOpen is the deferred cleanup every Store method that opens a Tx
// relies on: if Commit already ran, this is a harmless no-op.
func (t *Tx) rollbackIfOpen() {
	_ = t.Rollback()
}

// EventExists reports whether an event of the given kind already exists for
// queueID, returning its raw message if so. This is the dedup check that
// lets a duplicate completion message be dropped instead of being
// processed a second time.
func (t *Tx) EventExists(ctx context.Context, queueID int64, kind EventKind) (bool, string, error) {
	var message string
	err := t.tx.QueryRowContext(ctx, `
		SELECT message FROM events WHERE queue_id = ? AND event_kind = ? LIMIT 1`,
		queueID, string(kind),
	).Scan(&message)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("store: event exists %d/%s: %w", queueID, kind, err)
	}
	return true, message, nil
}

// InsertEvent appends an event row and returns its id.
func (t *Tx) InsertEvent(ctx context.Context, queueID *int64, kind EventKind, message string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (queue_id, event_kind, message) VALUES (?, ?, ?)`,
		queueID, string(kind), message,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert event %s: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert event %s: last insert id: %w", kind, err)
	}
	return id, nil
}

// UpdateEventMessage overwrites the message of an existing event row. The
// joiner uses this to rewrite a node's completion message in place when a
// camera verification check downgrades an accepted completion to failed,
// so the audit trail reflects the final verdict rather than the node's
// original (now-superseded) self-report.
func (t *Tx) UpdateEventMessage(ctx context.Context, eventID int64, message string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE events SET message = ? WHERE id = ?`, message, eventID)
	if err != nil {
		return fmt.Errorf("store: update event %d message: %w", eventID, err)
	}
	return nil
}

// EventIDForKind returns the id of the event row of the given kind for
// queueID, used to locate the row UpdateEventMessage should rewrite.
func (t *Tx) EventIDForKind(ctx context.Context, queueID int64, kind EventKind) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM events WHERE queue_id = ? AND event_kind = ? LIMIT 1`,
		queueID, string(kind),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: event id for %d/%s: %w", queueID, kind, err)
	}
	return id, nil
}

// ExpectedQuantity returns the sum of queue_items.quantity for queueID,
// read inside the transaction so the verification step sees a consistent
// snapshot with the rest of the join.
func (t *Tx) ExpectedQuantity(ctx context.Context, queueID int64) (int, error) {
	var total sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT SUM(quantity) FROM queue_items WHERE queue_id = ?`, queueID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: expected quantity for queue %d: %w", queueID, err)
	}
	return int(total.Int64), nil
}

// GetQueueStatus returns the current status of queueID and whether the row
// exists at all.
func (t *Tx) GetQueueStatus(ctx context.Context, queueID int64) (QueueStatus, bool, error) {
	var status string
	err := t.tx.QueryRowContext(ctx, `SELECT status FROM queues WHERE id = ?`, queueID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get queue %d status: %w", queueID, err)
	}
	return QueueStatus(status), true, nil
}

// FinalizeQueue transitions queueID to a terminal status (success or
// failed). served_at is stamped only on success; a failed queue was never
// served and must keep served_at nil.
func (t *Tx) FinalizeQueue(ctx context.Context, queueID int64, outcome QueueStatus, reason string) error {
	if outcome != StatusSuccess && outcome != StatusFailed {
		return fmt.Errorf("store: finalize queue %d: invalid terminal outcome %q", queueID, outcome)
	}

	var err error
	if outcome == StatusSuccess {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE queues
			SET    status = ?, served_at = ?, failed_reason = ?
			WHERE  id = ?`,
			string(outcome), formatTime(time.Now()), reason, queueID,
		)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE queues
			SET    status = ?, failed_reason = ?
			WHERE  id = ?`,
			string(outcome), reason, queueID,
		)
	}
	if err != nil {
		return fmt.Errorf("store: finalize queue %d: %w", queueID, err)
	}
	return nil
}

// peekNodeStatus reads the node_status row for nodeID within the
// transaction, used by UpsertNodeStatus to decide whether a flip occurred.
func (t *Tx) peekNodeStatus(ctx context.Context, nodeID int) (*NodeStatus, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT node_id, online, ready, uptime, last_seen, last_ready_change, last_online_change
		FROM   node_status
		WHERE  node_id = ?`, nodeID)
	ns, err := scanNodeStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ns, nil
}
