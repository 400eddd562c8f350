package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/logger"
	"github.com/dvloznov/deal-confidence/internal/store/postgres"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int       `db:"version"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
	AppliedBy string    `db:"applied_by"`
}

var (
	configPath    = flag.String("config", "", "Path to config.yaml (optional)")
	databaseURL   = flag.String("database-url", "", "Postgres URL; overrides DCE_DATABASE_URL")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "migrations/postgres", "Path to migrations directory")
)

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	flag.Parse()

	log := logger.New(logger.Options{Format: "console", Service: "migrate"})
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	url := cfg.Database.URL
	if *databaseURL != "" {
		url = *databaseURL
	}
	if url == "" {
		log.Fatal().Msg("Error: no database URL. Set -database-url or DCE_DATABASE_URL.")
	}

	db, err := postgres.Open(ctx, url, postgres.Options{MaxOpenConns: 1})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	if err := run(ctx, db, log); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func run(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	if err := ensureSchemaMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	dir, err := resolveDir(*migrationsDir)
	if err != nil {
		return err
	}
	migrations, err := readMigrations(dir, log)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	log.Info().Msgf("Found %d migration files", len(migrations))

	appliedMigrations, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	log.Info().Msgf("Found %d already applied migrations", len(appliedMigrations))

	pending, err := plan(migrations, appliedMigrations)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if !containsVersion(pending, migration.Version) {
			log.Info().Msgf("  [SKIP] %04d_%s (already applied)", migration.Version, migration.Name)
		}
	}

	for _, migration := range pending {
		log.Info().Msgf("  [RUN]  %04d_%s", migration.Version, migration.Name)
		if err := apply(ctx, db, migration); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", migration.Version, migration.Name, err)
		}
		log.Info().Msgf("  [OK]   %04d_%s", migration.Version, migration.Name)
	}

	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Msgf("Successfully applied %d migration(s)", len(pending))
	}
	return nil
}

func ensureSchemaMigrationsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum    TEXT NOT NULL,
			applied_by  TEXT NOT NULL
		)`)
	return err
}

// resolveDir also tries the path relative to the repository root, for
// runs from cmd/migrate.
func resolveDir(dir string) (string, error) {
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	alt := filepath.Join("..", "..", dir)
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// parseFilename extracts version and name from a migration filename.
func parseFilename(filename string) (int, string, bool) {
	matches := migrationPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// readMigrations reads all migration files from dir, sorted by version
func readMigrations(dir string, log zerolog.Logger) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		version, name, ok := parseFilename(file.Name())
		if !ok {
			log.Warn().Msgf("Skipping file with invalid format: %s", file.Name())
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev, file.Name())
		}
		seen[version] = file.Name()

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file.Name(),
			SQL:      string(content),
			Checksum: checksum(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// plan returns the migrations still to apply. An applied migration whose
// file changed since is an error.
func plan(migrations []Migration, applied []AppliedMigration) ([]Migration, error) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	var pending []Migration
	for _, m := range migrations {
		am, ok := byVersion[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %04d_%s was modified after being applied (checksum %s, file %s)",
				m.Version, m.Name, am.Checksum, m.Checksum)
		}
	}
	return pending, nil
}

func containsVersion(ms []Migration, version int) bool {
	for _, m := range ms {
		if m.Version == version {
			return true
		}
	}
	return false
}

func getAppliedMigrations(ctx context.Context, db *sqlx.DB) ([]AppliedMigration, error) {
	var applied []AppliedMigration
	err := db.SelectContext(ctx, &applied, `
		SELECT version, name, applied_at, checksum, applied_by
		FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// apply runs the migration and records it in one transaction.
func apply(ctx context.Context, db *sqlx.DB, migration Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_by)
		VALUES ($1, $2, $3, $4)`,
		migration.Version, migration.Name, migration.Checksum, *appliedBy); err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	return tx.Commit()
}
