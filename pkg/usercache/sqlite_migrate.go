package usercache

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades the schema by one version inside a transaction.
type migration struct {
	name  string
	apply func(tx *sql.Tx) error
}

// migrations[i] brings a database to version i+1, tracked in PRAGMA
// user_version.
var migrations = []migration{
	{"base schema", func(*sql.Tx) error { return nil }},
	{"plugin column", addPluginColumn},
	{"read_ts not null", backfillReadTS},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	for v := current; v < len(migrations); v++ {
		if err := applyMigration(db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, version int, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.apply(tx); err != nil {
		return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// SchemaVersion returns the number of applied migrations.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

// Tables created before entries carried a plugin tag lack the column.
func addPluginColumn(tx *sql.Tx) error {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('user_cache') WHERE name = 'plugin'`).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = tx.Exec(`ALTER TABLE user_cache ADD COLUMN plugin TEXT NOT NULL DEFAULT ''`)
	return err
}

// Unread rows used to carry a NULL read_ts.
func backfillReadTS(tx *sql.Tx) error {
	_, err := tx.Exec(`UPDATE user_cache SET read_ts = 0 WHERE read_ts IS NULL`)
	return err
}
