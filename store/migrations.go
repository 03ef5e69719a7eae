package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// migrations are applied in order on startup; the service refuses to serve
// traffic if any step fails. Each step runs inside its own transaction.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		number           INTEGER PRIMARY KEY,
		hash             TEXT    NOT NULL UNIQUE,
		parent_hash      TEXT    NOT NULL,
		state_root       TEXT    NOT NULL,
		extrinsics_root  TEXT    NOT NULL,
		timestamp        INTEGER NOT NULL DEFAULT 0,
		author           TEXT,
		extrinsics_count INTEGER NOT NULL DEFAULT 0,
		events_count     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_timestamp ON blocks(timestamp)`,
	`CREATE TABLE IF NOT EXISTS extrinsics (
		hash            TEXT PRIMARY KEY,
		block_number    INTEGER NOT NULL REFERENCES blocks(number) ON DELETE CASCADE,
		block_hash      TEXT    NOT NULL,
		extrinsic_index INTEGER NOT NULL,
		section         TEXT    NOT NULL,
		method          TEXT    NOT NULL,
		signer          TEXT,
		nonce           INTEGER,
		args            TEXT    NOT NULL DEFAULT 'null',
		signature       TEXT,
		is_signed       INTEGER NOT NULL DEFAULT 0,
		success         INTEGER NOT NULL DEFAULT 1,
		UNIQUE (block_number, extrinsic_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extrinsics_signer ON extrinsics(signer)`,
	`CREATE INDEX IF NOT EXISTS idx_extrinsics_section_method ON extrinsics(section, method)`,
	`CREATE TABLE IF NOT EXISTS events (
		block_number    INTEGER NOT NULL REFERENCES blocks(number) ON DELETE CASCADE,
		event_index     INTEGER NOT NULL,
		block_hash      TEXT    NOT NULL,
		extrinsic_hash  TEXT    REFERENCES extrinsics(hash) ON DELETE CASCADE,
		extrinsic_index INTEGER,
		section         TEXT    NOT NULL,
		method          TEXT    NOT NULL,
		data            TEXT    NOT NULL DEFAULT 'null',
		PRIMARY KEY (block_number, event_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_extrinsic_hash ON events(extrinsic_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_events_section_method ON events(section, method)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		address           TEXT    NOT NULL UNIQUE,
		first_seen_block  INTEGER NOT NULL,
		last_seen_block   INTEGER NOT NULL,
		transaction_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_last_seen ON addresses(last_seen_block)`,
	`CREATE TABLE IF NOT EXISTS address_extrinsics (
		address_id     INTEGER NOT NULL REFERENCES addresses(id) ON DELETE CASCADE,
		extrinsic_hash TEXT    NOT NULL REFERENCES extrinsics(hash) ON DELETE CASCADE,
		block_number   INTEGER NOT NULL,
		role           TEXT    NOT NULL,
		PRIMARY KEY (address_id, extrinsic_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_address_extrinsics_block ON address_extrinsics(block_number)`,
	// address_events has no write path; the table and its index are kept for
	// schema parity with deployments that populate it out of band.
	`CREATE TABLE IF NOT EXISTS address_events (
		address_id   INTEGER NOT NULL REFERENCES addresses(id) ON DELETE CASCADE,
		event_id     TEXT    NOT NULL,
		block_number INTEGER NOT NULL,
		PRIMARY KEY (address_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_address_events_event ON address_events(event_id)`,
	`CREATE TABLE IF NOT EXISTS indexer_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

var requiredTables = []string{
	"blocks", "extrinsics", "events", "addresses", "address_extrinsics", "indexer_state",
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %d", i)
		}
	}
	return s.verifySchema(ctx)
}

func (s *Store) verifySchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err == sql.ErrNoRows {
			return errors.Errorf("required table %q is missing", table)
		}
		if err != nil {
			return errors.Wrap(err, "verifying schema")
		}
	}
	return nil
}
