package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"strings"

	"stopguard/internal/storage/postgres"
)

// RunPostgresMigrations applies the positions, stop_events, claims,
// projections, breaker and export_progress schema.
// Returns the files that were executed.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *log.Logger) ([]string, error) {
	if logger == nil {
		logger = log.Default()
	}
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(files))
	for _, file := range files {
		data, err := fs.ReadFile(PostgresFS, "postgres/"+file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		// No arguments: pgx uses the simple protocol, which accepts several statements.
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", file, err)
		}
		applied = append(applied, file)
	}

	logger.Printf("[migrate] postgres: %d files applied", len(applied))
	return applied, nil
}
