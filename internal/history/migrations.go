package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaStep is one embedded migration. Files are named NNN_name.sql and
// numbered from 1 without gaps.
type schemaStep struct {
	version int
	name    string
	sql     string
}

func (s schemaStep) String() string {
	return fmt.Sprintf("%03d_%s", s.version, s.name)
}

// schemaSteps returns the embedded migrations in version order
func schemaSteps() ([]schemaStep, error) {
	// ReadDir returns entries sorted by filename
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	steps := make([]schemaStep, 0, len(entries))
	for _, entry := range entries {
		file := entry.Name()
		var version int
		if _, err := fmt.Sscanf(file, "%03d_", &version); err != nil {
			return nil, fmt.Errorf("failed to parse migration name %s: %w", file, err)
		}
		if version != len(steps)+1 {
			return nil, fmt.Errorf("migration %s is out of sequence, expected version %d", file, len(steps)+1)
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		_, name, _ := strings.Cut(file, "_")
		steps = append(steps, schemaStep{
			version: version,
			name:    strings.TrimSuffix(name, ".sql"),
			sql:     string(data),
		})
	}
	return steps, nil
}

// schemaVersion reads the version recorded in the database header
func schemaVersion(ctx context.Context, db *DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// upgradeSchema applies every migration newer than the database and returns
// the ones it applied, oldest first. Each step commits together with its
// version bump.
func upgradeSchema(ctx context.Context, db *DB) ([]string, error) {
	steps, err := schemaSteps()
	if err != nil {
		return nil, err
	}
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	if current > len(steps) {
		return nil, fmt.Errorf("database schema version %d is newer than this host (%d)", current, len(steps))
	}

	var applied []string
	for _, step := range steps[current:] {
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, step.sql); err != nil {
				return err
			}
			// PRAGMA does not accept bound parameters
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version))
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("failed to apply migration %s: %w", step, err)
		}
		applied = append(applied, step.String())
	}
	return applied, nil
}
