//go:build integration

package archive_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clinicflow/dispatch/internal/archive"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("dispatch"),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestStore_RecordOutcome_FlushesToPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	st, err := archive.Open(ctx, dsn, 10, 50*time.Millisecond, log)
	if err != nil {
		t.Fatalf("open archive store: %v", err)
	}
	defer st.Close()

	st.RecordOutcome(ctx, 42, "success", "")

	time.Sleep(200 * time.Millisecond)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect for assertion: %v", err)
	}
	defer pool.Close()

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_outcomes WHERE queue_id = $1`, 42).Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 1 {
		t.Errorf("queue_outcomes rows for queue 42 = %d, want 1", count)
	}
}
