package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/subscope/subscope/core"
)

// InsertBlockHeader writes the header-only projection of a block. The row is
// terminal: re-inserting the same number is a no-op and reports inserted
// false.
func (s *Store) InsertBlockHeader(ctx context.Context, header core.Header, timestamp int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (number, hash, parent_hash, state_root, extrinsics_root, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (number) DO NOTHING`,
		header.Number, header.Hash, header.ParentHash, header.StateRoot, header.ExtrinsicsRoot, timestamp)
	if err != nil {
		return false, errors.Wrapf(err, "inserting block %d", header.Number)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return affected > 0, nil
}

// AddressEdge links an address to an extrinsic it appeared in.
type AddressEdge struct {
	Address       string
	ExtrinsicHash string
	BlockNumber   uint64
	Role          string
}

// InsertBlockDetails writes a block's extrinsics, events, and address edges
// in one batch, then backfills the block row's counts. Re-running the batch
// for an already-indexed block is a no-op throughout: extrinsic and event
// inserts skip on conflict, and an edge that already exists neither inserts
// nor increments the address's transaction count.
func (s *Store) InsertBlockDetails(ctx context.Context, record *core.BlockRecord, edges []AddressEdge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, ext := range record.Extrinsics {
			if err := insertExtrinsic(ctx, tx, record, ext); err != nil {
				return err
			}
			for _, event := range ext.Events {
				if err := insertEvent(ctx, tx, record, event); err != nil {
					return err
				}
			}
		}
		for _, event := range record.StandaloneEvents {
			if err := insertEvent(ctx, tx, record, event); err != nil {
				return err
			}
		}
		for _, edge := range edges {
			if _, err := upsertAddressEdge(ctx, tx, edge); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE blocks SET extrinsics_count = ?, events_count = ?, timestamp = ?
			WHERE number = ?`,
			len(record.Extrinsics), record.EventsCount(), record.Timestamp, record.Number)
		return errors.Wrapf(err, "updating counts for block %d", record.Number)
	})
}

func insertExtrinsic(ctx context.Context, tx *sql.Tx, record *core.BlockRecord, ext *core.Extrinsic) error {
	var nonce any
	if ext.Nonce != nil {
		nonce = *ext.Nonce
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO extrinsics
			(hash, block_number, block_hash, extrinsic_index, section, method,
			 signer, nonce, args, signature, is_signed, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING`,
		ext.Hash, record.Number, record.Hash, ext.Index, ext.Section, ext.Method,
		nullable(ext.Signer), nonce, string(ext.Args), nullable(ext.Signature),
		ext.IsSigned, ext.Success)
	return errors.Wrapf(err, "inserting extrinsic %s", ext.Hash)
}

func insertEvent(ctx context.Context, tx *sql.Tx, record *core.BlockRecord, event *core.EventRecord) error {
	var extIndex any
	if event.ExtrinsicIndex != nil {
		extIndex = *event.ExtrinsicIndex
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events
			(block_number, event_index, block_hash, extrinsic_hash, extrinsic_index,
			 section, method, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (block_number, event_index) DO NOTHING`,
		record.Number, event.EventIndex, record.Hash, nullable(event.ExtrinsicHash),
		extIndex, event.Section, event.Method, string(event.Data))
	return errors.Wrapf(err, "inserting event %d/%d", record.Number, event.EventIndex)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetBlockByNumber loads a block with its extrinsics and their events in one
// store call.
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	return s.getBlock(ctx, `WHERE number = ?`, number)
}

// GetBlockByHash is GetBlockByNumber keyed by hash.
func (s *Store) GetBlockByHash(ctx context.Context, hash string) (*Block, error) {
	return s.getBlock(ctx, `WHERE hash = ?`, strings.ToLower(hash))
}

func (s *Store) getBlock(ctx context.Context, where string, arg any) (*Block, error) {
	block := new(Block)
	var author sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT number, hash, parent_hash, state_root, extrinsics_root,
		       timestamp, author, extrinsics_count, events_count
		FROM blocks `+where, arg,
	).Scan(&block.Number, &block.Hash, &block.ParentHash, &block.StateRoot,
		&block.ExtrinsicsRoot, &block.Timestamp, &author,
		&block.ExtrinsicsCount, &block.EventsCount)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("block %v not indexed", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading block")
	}
	block.Author = author.String

	block.Extrinsics, err = s.extrinsicsForBlock(ctx, block.Number, block.Hash, block.Timestamp)
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Store) extrinsicsForBlock(ctx context.Context, number uint64, hash string, timestamp int64) ([]*Extrinsic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, extrinsic_index, section, method, signer, nonce, args,
		       signature, is_signed, success
		FROM extrinsics WHERE block_number = ? ORDER BY extrinsic_index`, number)
	if err != nil {
		return nil, errors.Wrap(err, "loading extrinsics")
	}
	defer rows.Close()

	var extrinsics []*Extrinsic
	for rows.Next() {
		ext, err := scanExtrinsic(rows)
		if err != nil {
			return nil, err
		}
		ext.BlockNumber = number
		ext.BlockHash = hash
		ext.Timestamp = timestamp
		extrinsics = append(extrinsics, ext)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating extrinsics")
	}

	for _, ext := range extrinsics {
		ext.Events, err = s.eventsForExtrinsic(ctx, ext.Hash)
		if err != nil {
			return nil, err
		}
	}
	return extrinsics, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExtrinsic(row rowScanner) (*Extrinsic, error) {
	ext := new(Extrinsic)
	var (
		signer, signature sql.NullString
		nonce             sql.NullInt64
		args              string
	)
	err := row.Scan(&ext.Hash, &ext.Index, &ext.Section, &ext.Method,
		&signer, &nonce, &args, &signature, &ext.IsSigned, &ext.Success)
	if err != nil {
		return nil, errors.Wrap(err, "scanning extrinsic")
	}
	ext.Signer = signer.String
	ext.Signature = signature.String
	ext.Args = []byte(args)
	if nonce.Valid {
		value := uint64(nonce.Int64)
		ext.Nonce = &value
	}
	return ext, nil
}

func (s *Store) eventsForExtrinsic(ctx context.Context, extrinsicHash string) ([]*core.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_index, extrinsic_index, section, method, data
		FROM events WHERE extrinsic_hash = ? ORDER BY event_index`, extrinsicHash)
	if err != nil {
		return nil, errors.Wrap(err, "loading events")
	}
	defer rows.Close()

	var events []*core.EventRecord
	for rows.Next() {
		event := &core.EventRecord{ExtrinsicHash: extrinsicHash}
		var (
			extIndex sql.NullInt64
			data     string
		)
		if err := rows.Scan(&event.EventIndex, &extIndex, &event.Section, &event.Method, &data); err != nil {
			return nil, errors.Wrap(err, "scanning event")
		}
		if extIndex.Valid {
			idx := int(extIndex.Int64)
			event.ExtrinsicIndex = &idx
		}
		event.Data = []byte(data)
		events = append(events, event)
	}
	return events, errors.Wrap(rows.Err(), "iterating events")
}

// GetExtrinsicByHash loads one extrinsic with its events and its block row.
func (s *Store) GetExtrinsicByHash(ctx context.Context, hash string) (*Extrinsic, *Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, extrinsic_index, section, method, signer, nonce, args,
		       signature, is_signed, success, block_number, block_hash
		FROM extrinsics WHERE hash = ?`, strings.ToLower(hash))

	ext := new(Extrinsic)
	var (
		signer, signature sql.NullString
		nonce             sql.NullInt64
		args              string
	)
	err := row.Scan(&ext.Hash, &ext.Index, &ext.Section, &ext.Method,
		&signer, &nonce, &args, &signature, &ext.IsSigned, &ext.Success,
		&ext.BlockNumber, &ext.BlockHash)
	if err == sql.ErrNoRows {
		return nil, nil, core.NotFoundf("extrinsic %s not indexed", hash)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading extrinsic")
	}
	ext.Signer = signer.String
	ext.Signature = signature.String
	ext.Args = []byte(args)
	if nonce.Valid {
		value := uint64(nonce.Int64)
		ext.Nonce = &value
	}

	ext.Events, err = s.eventsForExtrinsic(ctx, ext.Hash)
	if err != nil {
		return nil, nil, err
	}

	block := new(Block)
	var author sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT number, hash, parent_hash, state_root, extrinsics_root,
		       timestamp, author, extrinsics_count, events_count
		FROM blocks WHERE number = ?`, ext.BlockNumber,
	).Scan(&block.Number, &block.Hash, &block.ParentHash, &block.StateRoot,
		&block.ExtrinsicsRoot, &block.Timestamp, &author,
		&block.ExtrinsicsCount, &block.EventsCount)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading extrinsic block")
	}
	block.Author = author.String
	ext.Timestamp = block.Timestamp
	return ext, block, nil
}
