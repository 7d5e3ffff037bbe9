package migrations

import (
	"context"
	"fmt"
	"strings"

	"signal-relay/internal/storage/postgres"
)

// RunPostgresMigrations applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := readMigrationFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, file := range files {
		if strings.TrimSpace(file.sql) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, file.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", file.name, err)
		}
	}
	return nil
}
