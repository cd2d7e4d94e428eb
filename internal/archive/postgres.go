// Package archive mirrors finalized queue outcomes to PostgreSQL as a
// best-effort, batched async sink. It never participates in the
// claim/join transaction and a write failure here never affects a queue's
// already-committed status — it is purely an observability tap.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddl = `
CREATE TABLE IF NOT EXISTS queue_outcomes (
    queue_id   BIGINT      NOT NULL,
    outcome    TEXT        NOT NULL,
    reason     TEXT        NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
`

type record struct {
	queueID    int64
	outcome    string
	reason     string
	recordedAt time.Time
}

// Store buffers finalized-queue records in memory and flushes them to
// PostgreSQL on a ticker or once the buffer reaches batchSize.
type Store struct {
	pool          *pgxpool.Pool
	log           *slog.Logger
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []record

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to PostgreSQL at dsn, ensures the mirror table exists, and
// starts the background flush loop. Call Close to flush remaining buffered
// rows and release the connection pool.
func Open(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration, log *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:          pool,
		log:           log,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		cancel:        cancel,
	}

	s.wg.Add(1)
	go s.flushLoop(loopCtx)

	return s, nil
}

// RecordOutcome buffers a finalized queue's outcome for the next flush. It
// never blocks on network I/O and never returns an error to the caller —
// per design, the archive sink must not affect the claim/join path.
func (s *Store) RecordOutcome(ctx context.Context, queueID int64, outcome, reason string) {
	s.mu.Lock()
	s.buffer = append(s.buffer, record{
		queueID:    queueID,
		outcome:    outcome,
		reason:     reason,
		recordedAt: time.Now().UTC(),
	})
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		go s.flush(ctx)
	}
}

func (s *Store) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Store) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	pgBatch := &pgx.Batch{}
	for _, r := range batch {
		pgBatch.Queue(
			`INSERT INTO queue_outcomes (queue_id, outcome, reason, recorded_at) VALUES ($1, $2, $3, $4)`,
			r.queueID, r.outcome, r.reason, r.recordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, pgBatch)
	defer br.Close()
	for range batch {
		if _, err := br.Exec(); err != nil {
			s.log.Error("archive: batch insert failed", "error", err)
			return
		}
	}
}

// Close stops the flush loop, performs a final flush, and closes the pool.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
}
