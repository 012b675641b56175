// Versioned schema migrations for the graph store. Applied versions are
// recorded in schema_migrations (version, name, applied_at) so the migrate
// command and Open agree on the database state.
package graph

import (
	"database/sql"
	"fmt"
	"time"

	"fractalmem/internal/logging"
)

// CurrentSchemaVersion is the newest known schema version.
const CurrentSchemaVersion = 4

// Migration is one versioned schema step.
type Migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

// AppliedMigration is one schema_migrations row.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "episodes and entities",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS episodes (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					content TEXT NOT NULL,
					summary TEXT DEFAULT '',
					source TEXT DEFAULT 'conversation',
					outcome TEXT DEFAULT 'none',
					scale TEXT DEFAULT 'micro',
					level INTEGER DEFAULT 2,
					importance_score REAL DEFAULT 0.5,
					access_count INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL,
					last_accessed DATETIME NOT NULL,
					deleted INTEGER DEFAULT 0,
					deleted_at DATETIME,
					content_hash TEXT NOT NULL,
					embedding TEXT,
					metadata TEXT
				)`, `
				CREATE INDEX IF NOT EXISTS idx_episodes_user_created ON episodes(user_id, created_at)`, `
				CREATE INDEX IF NOT EXISTS idx_episodes_deleted ON episodes(deleted, deleted_at)`, `
				CREATE INDEX IF NOT EXISTS idx_episodes_hash ON episodes(user_id, content_hash)`, `
				CREATE INDEX IF NOT EXISTS idx_episodes_level ON episodes(user_id, level)`, `
				CREATE TABLE IF NOT EXISTS entities (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					name TEXT NOT NULL,
					type TEXT DEFAULT '',
					importance_score REAL DEFAULT 0.5,
					access_count INTEGER DEFAULT 0,
					embedding TEXT,
					created_at DATETIME NOT NULL,
					last_accessed DATETIME NOT NULL,
					deleted INTEGER DEFAULT 0,
					deleted_at DATETIME
				)`, `
				CREATE INDEX IF NOT EXISTS idx_entities_user_name ON entities(user_id, name)`)
		},
	},
	{
		Version: 2,
		Name:    "relations",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS episode_entities (
					episode_id TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					confidence REAL DEFAULT 1.0,
					PRIMARY KEY (episode_id, entity_id)
				)`, `
				CREATE INDEX IF NOT EXISTS idx_ee_entity ON episode_entities(entity_id)`, `
				CREATE TABLE IF NOT EXISTS entity_relations (
					from_id TEXT NOT NULL,
					to_id TEXT NOT NULL,
					rel_type TEXT NOT NULL,
					strength REAL DEFAULT 1.0,
					PRIMARY KEY (from_id, to_id, rel_type)
				)`, `
				CREATE INDEX IF NOT EXISTS idx_er_to ON entity_relations(to_id)`)
		},
	},
	{
		Version: 3,
		Name:    "source and access indexes",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE INDEX IF NOT EXISTS idx_episodes_user_source ON episodes(user_id, source)`, `
				CREATE INDEX IF NOT EXISTS idx_episodes_last_accessed ON episodes(user_id, last_accessed)`)
		},
	},
	{
		Version: 4,
		Name:    "strategies",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
				CREATE TABLE IF NOT EXISTS strategies (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					description TEXT NOT NULL,
					task_types TEXT DEFAULT '[]',
					success_count INTEGER DEFAULT 0,
					failure_count INTEGER DEFAULT 0,
					confidence REAL DEFAULT 0.5,
					anti_pattern INTEGER DEFAULT 0,
					deleted INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL,
					last_used_at DATETIME,
					evolved_from TEXT,
					episode_id TEXT
				)`, `
				CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id, anti_pattern)`)
		},
	},
}

// RunMigrations applies every migration newer than the recorded version.
// Returns the number applied.
func RunMigrations(db *sql.DB) (int, error) {
	return MigrateTo(db, CurrentSchemaVersion)
}

// MigrateTo applies migrations up to and including target.
func MigrateTo(db *sql.DB, target int) (int, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "MigrateTo")
	defer timer.Stop()

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return applied, err
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration v%d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UTC()); err != nil {
			tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied++
		logging.Graph("Applied migration v%d: %s", m.Version, m.Name)
	}
	return applied, nil
}

// schemaVersion returns the highest applied migration version.
func schemaVersion(db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// AppliedMigrations lists the recorded migration rows, oldest first.
func AppliedMigrations(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query("SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
