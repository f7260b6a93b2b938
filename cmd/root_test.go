package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/lipsync/internal/store"
)

func TestCloseDB_NoConnection(t *testing.T) {
	DB = nil
	closeDB()
	if DB != nil {
		t.Error("closeDB() left a connection behind")
	}
}

// TestExecuteClosesDBOnError runs a failing command against a real Postgres
// container and checks the connection is released anyway. It requires Docker.
func TestExecuteClosesDBOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("lipsync_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	rootCmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
		"--db", connStr,
		"history", "00000000-0000-0000-0000-000000000000",
	})
	defer rootCmd.SetArgs(nil)

	err = execute(ctx)
	if !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("execute() error = %v, want ErrRunNotFound", err)
	}
	if DB != nil {
		t.Error("DB still open after a failed command")
	}
}
