package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"oentex/migrations"
)

// profilesBaseline is the version that created the profiles table. Databases
// where the table was created by the hosted provider's dashboard get it
// recorded instead of re-running it.
const profilesBaseline int64 = 1

var setup sync.Once

func configure(logger *slog.Logger) error {
	var err error
	setup.Do(func() {
		goose.SetBaseFS(migrations.Files)
		err = goose.SetDialect("postgres")
	})
	if err != nil {
		return fmt.Errorf("migrate: set goose dialect: %w", err)
	}
	goose.SetLogger(gooseSlogLogger{logger: logger})
	return nil
}

// Apply runs any pending SQL migrations bundled with the binary.
func Apply(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if err := configure(logger); err != nil {
		return err
	}

	if err := bootstrapBaseline(ctx, db.DB, logger); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("migrate: goose up: %w", err)
	}

	return nil
}

// Status describes the database schema version against the bundled
// migrations.
type Status struct {
	Current int64
	Latest  int64
}

// Pending reports whether Apply would change the schema.
func (s Status) Pending() bool {
	return s.Current < s.Latest
}

// CurrentStatus reads the applied version without migrating.
func CurrentStatus(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (Status, error) {
	if err := configure(logger); err != nil {
		return Status{}, err
	}

	current, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return Status{}, fmt.Errorf("migrate: check goose version: %w", err)
	}
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	return Status{Current: current, Latest: latest}, nil
}

// LatestVersion returns the highest migration version bundled with the binary.
func LatestVersion() (int64, error) {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("migrate: list migrations: %w", err)
	}

	var latest int64
	for _, name := range names {
		version, err := goose.NumericComponent(name)
		if err != nil {
			return 0, fmt.Errorf("migrate: %s: %w", name, err)
		}
		latest = max(latest, version)
	}
	return latest, nil
}

func bootstrapBaseline(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	profilesExist, err := tableExists(ctx, db, "public.profiles")
	if err != nil {
		return fmt.Errorf("migrate: check profiles table: %w", err)
	}

	if !profilesExist {
		return nil
	}

	if _, err := goose.EnsureDBVersionContext(ctx, db); err != nil {
		return fmt.Errorf("migrate: ensure goose table: %w", err)
	}

	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate: check goose version: %w", err)
	}

	if current == 0 {
		if err := insertVersion(ctx, db, profilesBaseline); err != nil {
			return fmt.Errorf("migrate: set baseline: %w", err)
		}
		if logger != nil {
			logger.Info("goose baseline recorded for existing profiles table", "version", profilesBaseline)
		}
	}

	return nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	schema, table := splitTableName(name)
	if schema == "" {
		schema = "public"
	}

	var exists bool
	if err := db.QueryRowContext(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = $1 AND tablename = $2)`,
		schema,
		table,
	).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func splitTableName(name string) (string, string) {
	schema, table, found := strings.Cut(name, ".")
	if !found {
		return "", name
	}
	return schema, table
}

func insertVersion(ctx context.Context, db *sql.DB, version int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (version_id, is_applied) VALUES ($1, TRUE)`, goose.TableName())
	_, err := db.ExecContext(ctx, query, version)
	return err
}
