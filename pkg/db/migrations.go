package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationsTable tracks applied schema versions.
const migrationsTable = "capture_schema_migrations"

// Migration is one .sql file of a migration set.
type Migration struct {
	Version string
	Name    string
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// MigrationStatusEntry is a single migration in a status report.
type MigrationStatusEntry struct {
	Version   string     `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"` // nil while pending
}

// MigrationStatus compares a migration set with the database.
type MigrationStatus struct {
	Applied []MigrationStatusEntry `json:"applied" yaml:"applied"`
	Pending []MigrationStatusEntry `json:"pending" yaml:"pending"`
	Drift   []MigrationStatusEntry `json:"drift" yaml:"drift"` // applied but no file
}

// RunMigrations applies every pending .sql file of fsys in name order,
// each in its own transaction. It stops at the first failure.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) (*MigrationResult, error) {
	return RunMigrationsToTarget(ctx, pool, fsys, "")
}

// RunMigrationsToTarget applies pending migrations up to and including
// targetVersion; an empty target applies all of them.
func RunMigrationsToTarget(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, targetVersion string) (*MigrationResult, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}

	migrations, err := FindMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	migrations, err = uptoTarget(migrations, targetVersion)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	applied, err := getAppliedMigrations(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	result := &MigrationResult{}
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}
		if err := applyMigration(ctx, pool, fsys, m); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		result.Applied = append(result.Applied, m.Version)
	}
	return result, nil
}

// GetMigrationStatus reports which migrations of fsys are applied, pending
// or applied without a file.
func GetMigrationStatus(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) (*MigrationStatus, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}

	migrations, err := FindMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	applied, err := getAppliedMigrations(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return buildStatus(migrations, applied), nil
}

// FindMigrations lists the .sql files at the root of fsys sorted by name.
func FindMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(pathExt(name), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(name),
			Name:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// normalizeVersion strips a case-insensitive .sql suffix.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.EqualFold(v[len(v)-4:], ".sql") {
		return v[:len(v)-4]
	}
	return v
}

// MatchesVersion reports whether target names version, either in full
// (with or without .sql) or by its numeric prefix ("002" for "002_add_index").
func MatchesVersion(version, target string) bool {
	target = normalizeVersion(target)
	return version == target || strings.HasPrefix(version, target+"_")
}

func uptoTarget(migrations []Migration, target string) ([]Migration, error) {
	if target == "" {
		return migrations, nil
	}
	for i, m := range migrations {
		if MatchesVersion(m.Version, target) {
			return migrations[:i+1], nil
		}
	}
	return nil, fmt.Errorf("target version %s not found in migrations", normalizeVersion(target))
}

func buildStatus(migrations []Migration, applied map[string]time.Time) *MigrationStatus {
	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}

	files := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		files[m.Version] = struct{}{}
		if at, ok := applied[m.Version]; ok {
			at := at
			status.Applied = append(status.Applied, MigrationStatusEntry{Version: m.Version, Name: m.Name, AppliedAt: &at})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{Version: m.Version, Name: m.Name})
		}
	}

	for version, at := range applied {
		if _, ok := files[version]; ok {
			continue
		}
		at := at
		status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
	}
	sort.Slice(status.Drift, func(i, j int) bool {
		return status.Drift[i].Version < status.Drift[j].Version
	})
	return status
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

func getAppliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	rows, err := pool.Query(ctx, "SELECT version, applied_at FROM "+migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, m Migration) error {
	content, err := fs.ReadFile(fsys, m.Name)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	sql := string(content)
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("migration file is empty")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO "+migrationsTable+" (version) VALUES ($1)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
