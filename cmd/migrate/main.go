package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/fixora/flagsync/infrastructure/service/logger"
)

type migrationFile struct {
	version int
	name    string
	path    string
	kind    string // up or down
}

func main() {
	mode := flag.String("mode", "up", "migration mode: up, down or status")
	dir := flag.String("dir", "migrations", "directory holding NNN_name.up.sql / NNN_name.down.sql files")
	steps := flag.Int("steps", 0, "number of migrations to revert in down mode (0 = all)")
	flag.Parse()

	_ = godotenv.Load()
	ctx := context.Background()
	lg := logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      "text",
		ServiceName: "flagsync-migrate",
	})

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := ensureSchemaMigrations(ctx, db); err != nil {
		log.Fatalf("failed to ensure schema_migrations: %v", err)
	}

	files, err := loadMigrationFiles(*dir)
	if err != nil {
		log.Fatalf("failed to load migrations: %v", err)
	}

	m := &migrator{db: db, logger: lg}
	switch strings.ToLower(*mode) {
	case "up":
		n, err := m.up(ctx, files)
		if err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		lg.Info(ctx, "Migration up completed", map[string]interface{}{"applied": n})
	case "down":
		n, err := m.down(ctx, files, *steps)
		if err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		lg.Info(ctx, "Migration down completed", map[string]interface{}{"reverted": n})
	case "status":
		if err := m.status(ctx, files); err != nil {
			log.Fatalf("migration status failed: %v", err)
		}
	default:
		log.Fatalf("unknown mode: %s", *mode)
	}
}

func ensureSchemaMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func loadMigrationFiles(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".sql") {
			continue
		}

		kind := "up"
		if strings.HasSuffix(lower, ".down.sql") {
			kind = "down"
		}

		ver, migName, err := parseVersionAndName(name)
		if err != nil {
			log.Printf("skip migration without version prefix: %s", name)
			continue
		}

		files = append(files, migrationFile{
			version: ver,
			name:    migName,
			path:    filepath.Join(dir, name),
			kind:    kind,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].kind > files[j].kind
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

// parseVersionAndName splits 001_create_feature_flags.up.sql into 1 and create_feature_flags
func parseVersionAndName(filename string) (int, string, error) {
	prefix, rest, ok := strings.Cut(filename, "_")
	if !ok || prefix == "" {
		return 0, "", errors.New("invalid filename")
	}
	ver, err := strconv.Atoi(prefix)
	if err != nil || ver < 0 {
		return 0, "", errors.New("invalid version")
	}

	name := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(rest, ".sql"), ".up"), ".down")
	return ver, name, nil
}

type migrator struct {
	db     *sql.DB
	logger logger.Logger
}

func (m *migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		out[v] = at
	}
	return out, rows.Err()
}

// up applies every pending up file; each file and its bookkeeping row share one transaction
func (m *migrator) up(ctx context.Context, files []migrationFile) (int, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range files {
		if f.kind != "up" {
			continue
		}
		if _, ok := done[f.version]; ok {
			continue
		}

		m.logger.Info(ctx, "Applying migration", map[string]interface{}{"version": f.version, "name": f.name})
		err := m.inTx(ctx, f.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, name, applied_at) VALUES($1, $2, $3)", f.version, f.name, time.Now().UTC())
			return err
		})
		if err != nil {
			return n, fmt.Errorf("failed applying %s: %w", f.path, err)
		}
		n++
	}
	return n, nil
}

// down reverts applied migrations newest first, at most steps of them when steps > 0
func (m *migrator) down(ctx context.Context, files []migrationFile, steps int) (int, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	downs := downFiles(files)
	n := 0
	for _, f := range downs {
		if steps > 0 && n >= steps {
			break
		}
		if _, ok := done[f.version]; !ok {
			continue
		}

		m.logger.Info(ctx, "Reverting migration", map[string]interface{}{"version": f.version, "name": f.name})
		err := m.inTx(ctx, f.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version=$1", f.version)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("failed reverting %s: %w", f.path, err)
		}
		n++
	}
	return n, nil
}

func (m *migrator) status(ctx context.Context, files []migrationFile) error {
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.kind != "up" {
			continue
		}
		state := "pending"
		if at, ok := done[f.version]; ok {
			state = "applied " + at.Format(time.RFC3339)
		}
		fmt.Printf("%03d %-40s %s\n", f.version, f.name, state)
	}
	return nil
}

func (m *migrator) inTx(ctx context.Context, path string, bookkeeping func(tx *sql.Tx) error) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	if err := bookkeeping(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func downFiles(files []migrationFile) []migrationFile {
	var downs []migrationFile
	for _, f := range files {
		if f.kind == "down" {
			downs = append(downs, f)
		}
	}
	sort.Slice(downs, func(i, j int) bool { return downs[i].version > downs[j].version })
	return downs
}
