package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 3

// Schema v1: base tables. Policy defaults to -1 (unknown); metadata blobs
// live under the column "data".
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    applied_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS devices (
    address     TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS profile_policy (
    address     TEXT NOT NULL REFERENCES devices(address) ON DELETE CASCADE,
    profile     TEXT NOT NULL,
    policy      INTEGER NOT NULL DEFAULT -1,
    PRIMARY KEY (address, profile)
);

CREATE TABLE IF NOT EXISTS metadata (
    address     TEXT NOT NULL REFERENCES devices(address) ON DELETE CASCADE,
    key         INTEGER NOT NULL,
    data        BLOB,
    PRIMARY KEY (address, key)
);
`

// Schema v2: adds per-profile optional-feature flags. Both columns default
// to -1 (unknown) for every existing device.
const schemaV2 = `
CREATE TABLE IF NOT EXISTS profile_feature (
    address     TEXT NOT NULL REFERENCES devices(address) ON DELETE CASCADE,
    profile     TEXT NOT NULL,
    supported   INTEGER NOT NULL DEFAULT -1,
    enabled     INTEGER NOT NULL DEFAULT -1,
    PRIMARY KEY (address, profile)
);
`

// Schema v3: renames metadata.data to metadata.value. Pure rename, existing
// blobs untouched.
const schemaV3 = `
ALTER TABLE metadata RENAME COLUMN data TO value;
`

func openDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the writer serialized and makes in-memory
	// databases usable in tests.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// migrate brings the schema up to currentSchemaVersion. Each step is
// forward-only and either additive or a rename.
func migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	steps := []struct {
		version int
		ddl     string
	}{
		{1, schemaV1},
		{2, schemaV2},
		{3, schemaV3},
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if _, err := db.Exec(step.ddl); err != nil {
			return fmt.Errorf("failed to apply schema v%d: %w", step.version, err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_version (version) VALUES (?)`, step.version); err != nil {
			return fmt.Errorf("failed to record schema v%d: %w", step.version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	err = db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
