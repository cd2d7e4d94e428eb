// Package store is the persistent state authority for the dispatcher: queues,
// queue_items, events, node_status, and pills. It is backed by
// modernc.org/sqlite (a pure-Go, cgo-free SQLite driver) opened in WAL mode
// with a single-connection pool, so SQLite's single-writer constraint is
// enforced by the driver rather than by accident — concurrent callers
// serialise through the one connection instead of racing on file locks.
//
// Every mutation that spans more than one statement runs inside a
// transaction obtained via Store.Begin; with the connection pool capped at
// one, database/sql itself serialises concurrent Begin calls, so a second
// writer blocks until the first commits or rolls back and never observes a
// partial write. Read-only helpers (ListInProgress, PeekReady, ReadExpected)
// may run outside a transaction — stale reads there are acceptable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Store is the SQLite-backed persistence layer for the dispatcher. It is
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, applies the schema, and returns a ready-to-use Store. path may be
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single-connection pool
	// makes every statement — and every transaction opened by Begin —
	// serialise through the same connection, which is what makes
	// ClaimPending's conditional UPDATE and the joiner's read-decide-write
	// transaction race-free without any in-process locking.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ddl is the schema DDL. CREATE TABLE IF NOT EXISTS makes it idempotent, so
// Open can be called repeatedly against the same file without a separate
// migration step.
const ddl = `
CREATE TABLE IF NOT EXISTS queues (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    patient_id    INTEGER NOT NULL,
    target_room   INTEGER NOT NULL,
    status        TEXT    NOT NULL DEFAULT 'pending',
    queue_number  INTEGER NOT NULL,
    created_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    served_at     TEXT,
    note          TEXT    NOT NULL DEFAULT '',
    failed_reason TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queues_status_id ON queues (status, id);

CREATE TABLE IF NOT EXISTS queue_items (
    queue_id INTEGER NOT NULL REFERENCES queues(id),
    pill_id  INTEGER NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_queue_id ON queue_items (queue_id);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_id   INTEGER,
    ts         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    event_kind TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_queue_kind ON events (queue_id, event_kind);

CREATE TABLE IF NOT EXISTS node_status (
    node_id             INTEGER PRIMARY KEY,
    online              INTEGER NOT NULL DEFAULT 0,
    ready               INTEGER NOT NULL DEFAULT 0,
    uptime              INTEGER NOT NULL DEFAULT 0,
    last_seen           TEXT,
    last_ready_change   TEXT,
    last_online_change  TEXT
);

CREATE TABLE IF NOT EXISTS pills (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    name   TEXT NOT NULL,
    type   TEXT NOT NULL,
    amount INTEGER NOT NULL DEFAULT 0
);
`

const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeLayout, s)
}

// ClaimPending atomically transitions the queue identified by id from
// pending to in_progress, but only if no other queue currently holds
// in_progress. It returns true iff this call performed the transition.
//
// This single conditional UPDATE is where the single-in-progress and
// atomic-claim requirements meet: the WHERE clause's NOT EXISTS subquery and
// the row predicate are evaluated by SQLite as one statement, so two
// concurrent callers racing to claim the same or different pending rows can
// never both succeed.
func (s *Store) ClaimPending(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queues
		SET    status = 'in_progress'
		WHERE  id = ?
		  AND  status = 'pending'
		  AND  NOT EXISTS (SELECT 1 FROM queues WHERE status = 'in_progress')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("store: claim pending %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim pending %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// NextPending returns the lowest-id pending queue and its items, or nil if
// no queue is pending.
func (s *Store) NextPending(ctx context.Context) (*QueueWithItems, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, target_room, status, queue_number, created_at, served_at, note, failed_reason
		FROM   queues
		WHERE  status = 'pending'
		ORDER  BY id ASC
		LIMIT  1`)

	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: next pending: %w", err)
	}

	items, err := s.itemsForQueue(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("store: next pending items: %w", err)
	}
	return &QueueWithItems{Queue: *q, Items: items}, nil
}

// ListInProgress returns every queue currently in_progress. This should
// contain at most one row; the dispatcher treats more than one as a
// corruption signal worth a warning log, not a panic.
func (s *Store) ListInProgress(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, target_room, status, queue_number, created_at, served_at, note, failed_reason
		FROM   queues
		WHERE  status = 'in_progress'
		ORDER  BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list in progress: %w", err)
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list in progress scan: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// CurrentInProgressQueueID returns the id of the single in_progress queue,
// used by the joiner to resolve standalone vision reports that arrive
// without an explicit queue_id. It returns nil if zero or more than one
// queue is in_progress (an ambiguous standalone report is dropped, not
// guessed at).
func (s *Store) CurrentInProgressQueueID(ctx context.Context) (*int64, error) {
	rows, err := s.ListInProgress(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, nil
	}
	return &rows[0].ID, nil
}

// ReadExpected returns the sum of queue_items.quantity for queueID, the
// "expected" count the verification step compares a camera's detected count
// against.
func (s *Store) ReadExpected(ctx context.Context, queueID int64) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(quantity) FROM queue_items WHERE queue_id = ?`, queueID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: read expected for queue %d: %w", queueID, err)
	}
	return int(total.Int64), nil
}

// PeekReady returns the current node_status row for nodeID, or nil if the
// node has never reported.
func (s *Store) PeekReady(ctx context.Context, nodeID int) (*NodeStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, online, ready, uptime, last_seen, last_ready_change, last_online_change
		FROM   node_status
		WHERE  node_id = ?`, nodeID)
	ns, err := scanNodeStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: peek ready %d: %w", nodeID, err)
	}
	return ns, nil
}

// NodeStatuses returns the node_status rows for both nodes, keyed by node
// id. A node that has never reported is absent from the map.
func (s *Store) NodeStatuses(ctx context.Context) (map[int]NodeStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, online, ready, uptime, last_seen, last_ready_change, last_online_change
		FROM   node_status`)
	if err != nil {
		return nil, fmt.Errorf("store: node statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[int]NodeStatus)
	for rows.Next() {
		ns, err := scanNodeStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("store: node statuses scan: %w", err)
		}
		out[ns.NodeID] = *ns
	}
	return out, rows.Err()
}

// UpsertNodeStatus inserts or updates the node_status row for nodeID.
// last_ready_change is touched only when ready differs from the row's
// current value (or the row doesn't exist yet); likewise for
// last_online_change against online. last_seen and uptime are always
// refreshed to reflect that a message was just received.
func (s *Store) UpsertNodeStatus(ctx context.Context, nodeID int, online, ready bool, uptime int64) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.rollbackIfOpen()

	existing, err := tx.peekNodeStatus(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("store: upsert node status %d: %w", nodeID, err)
	}

	now := formatTime(time.Now())
	readyChanged := existing == nil || existing.Ready != ready
	onlineChanged := existing == nil || existing.Online != online

	readyChangeTS := now
	if !readyChanged && existing != nil {
		readyChangeTS = formatTime(existing.LastReadyChange)
	}
	onlineChangeTS := now
	if !onlineChanged && existing != nil {
		onlineChangeTS = formatTime(existing.LastOnlineChange)
	}

	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO node_status (node_id, online, ready, uptime, last_seen, last_ready_change, last_online_change)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			online             = excluded.online,
			ready              = excluded.ready,
			uptime             = excluded.uptime,
			last_seen          = excluded.last_seen,
			last_ready_change  = excluded.last_ready_change,
			last_online_change = excluded.last_online_change`,
		nodeID, boolToInt(online), boolToInt(ready), uptime, now, readyChangeTS, onlineChangeTS,
	)
	if err != nil {
		return fmt.Errorf("store: upsert node status %d: %w", nodeID, err)
	}

	return tx.Commit()
}

// CreateQueue inserts a pending queue row together with its items and a
// "created" audit event, all in one transaction. It rejects an empty items
// slice — a queue with no items is invalid.
func (s *Store) CreateQueue(ctx context.Context, patientID int64, targetRoom int, items []QueueItem, createdEventMessage string) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("store: create queue: at least one item is required")
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.rollbackIfOpen()

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queues (patient_id, target_room, status, queue_number)
		VALUES (?, ?, 'pending', 0)`,
		patientID, targetRoom,
	)
	if err != nil {
		return 0, fmt.Errorf("store: create queue: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create queue: last insert id: %w", err)
	}

	// queue_number mirrors id: there is no distinct numbering scheme, and
	// id is already a strictly increasing FIFO key.
	if _, err := tx.tx.ExecContext(ctx, `UPDATE queues SET queue_number = ? WHERE id = ?`, id, id); err != nil {
		return 0, fmt.Errorf("store: create queue: set queue_number: %w", err)
	}

	for _, it := range items {
		if it.Quantity <= 0 {
			return 0, fmt.Errorf("store: create queue: item pill %d has non-positive quantity", it.PillID)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO queue_items (queue_id, pill_id, quantity) VALUES (?, ?, ?)`,
			id, it.PillID, it.Quantity,
		); err != nil {
			return 0, fmt.Errorf("store: create queue: insert item: %w", err)
		}
	}

	if _, err := tx.InsertEvent(ctx, &id, EventCreated, createdEventMessage); err != nil {
		return 0, fmt.Errorf("store: create queue: insert created event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// GetPill returns the pill row for id, or nil if it does not exist.
func (s *Store) GetPill(ctx context.Context, id int64) (*Pill, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, type, amount FROM pills WHERE id = ?`, id)
	var p Pill
	var typ string
	err := row.Scan(&p.ID, &p.Name, &typ, &p.Amount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pill %d: %w", id, err)
	}
	p.Type = PillType(typ)
	return &p, nil
}

// ListPills returns every pill ordered by id.
func (s *Store) ListPills(ctx context.Context) ([]Pill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, amount FROM pills ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list pills: %w", err)
	}
	defer rows.Close()

	var out []Pill
	for rows.Next() {
		var p Pill
		var typ string
		if err := rows.Scan(&p.ID, &p.Name, &typ, &p.Amount); err != nil {
			return nil, fmt.Errorf("store: list pills scan: %w", err)
		}
		p.Type = PillType(typ)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecrementPillStock lowers pills.amount by qty, floored at zero.
func (s *Store) DecrementPillStock(ctx context.Context, id int64, qty int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pills SET amount = MAX(0, amount - ?) WHERE id = ?`, qty, id)
	if err != nil {
		return fmt.Errorf("store: decrement pill %d stock: %w", id, err)
	}
	return nil
}

// ListQueues returns every queue ordered by id, newest last.
func (s *Store) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, target_room, status, queue_number, created_at, served_at, note, failed_reason
		FROM   queues
		ORDER  BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list queues: %w", err)
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list queues scan: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// AppendEvent writes a standalone audit event not tied to a completion join
// (created, node_state, ack_unknown, ack_parse_error, vision_check, ...).
func (s *Store) AppendEvent(ctx context.Context, queueID *int64, kind EventKind, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (queue_id, event_kind, message) VALUES (?, ?, ?)`,
		queueID, string(kind), message,
	)
	if err != nil {
		return fmt.Errorf("store: append event %s: %w", kind, err)
	}
	return nil
}

// SetQueueNote overwrites queues.note, used by the standalone vision-report
// path to leave a human-readable summary without transitioning status.
func (s *Store) SetQueueNote(ctx context.Context, queueID int64, note string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queues SET note = ? WHERE id = ?`, note, queueID)
	if err != nil {
		return fmt.Errorf("store: set queue %d note: %w", queueID, err)
	}
	return nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanQueue(row scanner) (*Queue, error) {
	var q Queue
	var status, createdAt string
	var servedAt sql.NullString
	if err := row.Scan(
		&q.ID, &q.PatientID, &q.TargetRoom, &status, &q.QueueNumber,
		&createdAt, &servedAt, &q.Note, &q.FailedReason,
	); err != nil {
		return nil, err
	}
	q.Status = QueueStatus(status)
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	q.CreatedAt = ts
	if servedAt.Valid && servedAt.String != "" {
		st, err := parseTime(servedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse served_at: %w", err)
		}
		q.ServedAt = &st
	}
	return &q, nil
}

func scanNodeStatus(row scanner) (*NodeStatus, error) {
	var ns NodeStatus
	var online, ready int
	var lastSeen, lastReadyChange, lastOnlineChange sql.NullString
	if err := row.Scan(&ns.NodeID, &online, &ready, &ns.Uptime, &lastSeen, &lastReadyChange, &lastOnlineChange); err != nil {
		return nil, err
	}
	ns.Online = online != 0
	ns.Ready = ready != 0
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_seen: %w", err)
		}
		ns.LastSeen = t
	}
	if lastReadyChange.Valid {
		t, err := parseTime(lastReadyChange.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_ready_change: %w", err)
		}
		ns.LastReadyChange = t
	}
	if lastOnlineChange.Valid {
		t, err := parseTime(lastOnlineChange.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_online_change: %w", err)
		}
		ns.LastOnlineChange = t
	}
	return &ns, nil
}

func (s *Store) itemsForQueue(ctx context.Context, queueID int64) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue_id, pill_id, quantity FROM queue_items WHERE queue_id = ? ORDER BY rowid`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.QueueID, &it.PillID, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
