package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/utils"

	_ "modernc.org/sqlite" // database/sql driver
)

// Store is the relational projection of the chain. It is the single writer.
// SQLite keeps the deployment self-contained. The pool holds one connection
// (see Open), so reads and writes are serialized: reads do not run
// concurrently with each other or with a write transaction.
type Store struct {
	db  *sql.DB
	log utils.SimpleLogger
}

// Block is a stored block row, optionally loaded with its extrinsics.
type Block struct {
	Number          uint64       `json:"number"`
	Hash            string       `json:"hash"`
	ParentHash      string       `json:"parentHash"`
	StateRoot       string       `json:"stateRoot"`
	ExtrinsicsRoot  string       `json:"extrinsicsRoot"`
	Timestamp       int64        `json:"timestamp"`
	Author          string       `json:"author,omitempty"`
	ExtrinsicsCount int          `json:"extrinsicsCount"`
	EventsCount     int          `json:"eventsCount"`
	Extrinsics      []*Extrinsic `json:"extrinsics,omitempty"`
}

// Extrinsic is a stored extrinsic row together with its block coordinates
// and, when loaded, its events.
type Extrinsic struct {
	core.Extrinsic
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Counts summarizes the projection for status reporting.
type Counts struct {
	Blocks     uint64 `json:"blocks"`
	Extrinsics uint64 `json:"extrinsics"`
	Events     uint64 `json:"events"`
	Addresses  uint64 `json:"addresses"`
}

// Open opens (creating if needed) the projection database at dsn and applies
// migrations. The caller must not serve traffic if Open fails.
func Open(ctx context.Context, dsn string, log utils.SimpleLogger) (*Store, error) {
	db, err := sql.Open("sqlite",
		"file:"+dsn+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// A single writer connection sidesteps SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying migrations")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnw("Rollback failed", "err", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Range reports the smallest and largest indexed block numbers; ok is false
// for an empty projection.
func (s *Store) Range(ctx context.Context) (first, last uint64, ok bool, err error) {
	var minNum, maxNum sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(number), MAX(number) FROM blocks`).Scan(&minNum, &maxNum)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "querying range")
	}
	if !minNum.Valid || !maxNum.Valid {
		return 0, 0, false, nil
	}
	return uint64(minNum.Int64), uint64(maxNum.Int64), true, nil
}

func (s *Store) FirstIndexedBlock(ctx context.Context) (uint64, bool, error) {
	first, _, ok, err := s.Range(ctx)
	return first, ok, err
}

func (s *Store) LastIndexedBlock(ctx context.Context) (uint64, bool, error) {
	_, last, ok, err := s.Range(ctx)
	return last, ok, err
}

func (s *Store) BlockExists(ctx context.Context, number uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE number = ?`, number).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "querying block existence")
	}
	return true, nil
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM blocks),
			(SELECT COUNT(*) FROM extrinsics),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM addresses)`,
	).Scan(&counts.Blocks, &counts.Extrinsics, &counts.Events, &counts.Addresses)
	return counts, errors.Wrap(err, "querying counts")
}

// SetState writes an internal bookkeeping value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "writing state")
}

// GetState reads an internal bookkeeping value; ok is false when the key was
// never written.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM indexer_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading state")
	}
	return value, true, nil
}
