package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/subscope/subscope/core"
)

// Address is a stored address row.
type Address struct {
	ID               int64  `json:"-"`
	Address          string `json:"address"`
	FirstSeenBlock   uint64 `json:"firstSeenBlock"`
	LastSeenBlock    uint64 `json:"lastSeenBlock"`
	TransactionCount uint64 `json:"transactionCount"`
}

// upsertAddressEdge maintains the address row and its extrinsic edge. The
// address counters widen monotonically; the transaction count increments only
// when the edge row was actually inserted, so replays and duplicate
// appearances of an address inside one extrinsic stay no-ops.
func upsertAddressEdge(ctx context.Context, tx *sql.Tx, edge AddressEdge) (bool, error) {
	var addressID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO addresses (address, first_seen_block, last_seen_block, transaction_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (address) DO UPDATE SET
			first_seen_block = MIN(first_seen_block, excluded.first_seen_block),
			last_seen_block  = MAX(last_seen_block, excluded.last_seen_block)
		RETURNING id`,
		edge.Address, edge.BlockNumber, edge.BlockNumber).Scan(&addressID)
	if err != nil {
		return false, errors.Wrapf(err, "upserting address %s", edge.Address)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO address_extrinsics (address_id, extrinsic_hash, block_number, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address_id, extrinsic_hash) DO NOTHING`,
		addressID, edge.ExtrinsicHash, edge.BlockNumber, edge.Role)
	if err != nil {
		return false, errors.Wrapf(err, "linking %s to %s", edge.Address, edge.ExtrinsicHash)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE addresses SET transaction_count = transaction_count + 1 WHERE id = ?`, addressID)
	if err != nil {
		return false, errors.Wrapf(err, "incrementing count for %s", edge.Address)
	}
	return true, nil
}

// GetAddress loads one address row.
func (s *Store) GetAddress(ctx context.Context, address string) (*Address, error) {
	row := new(Address)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, address, first_seen_block, last_seen_block, transaction_count
		FROM addresses WHERE address = ?`, address,
	).Scan(&row.ID, &row.Address, &row.FirstSeenBlock, &row.LastSeenBlock, &row.TransactionCount)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("address %s not indexed", address)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading address")
	}
	return row, nil
}

// AddressExtrinsics loads the extrinsics linked to an address, newest block
// first, decoded with their events and block coordinates.
func (s *Store) AddressExtrinsics(ctx context.Context, address string, limit int) ([]*Extrinsic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.hash, e.extrinsic_index, e.section, e.method, e.signer, e.nonce,
		       e.args, e.signature, e.is_signed, e.success,
		       e.block_number, e.block_hash, b.timestamp
		FROM address_extrinsics ae
		JOIN addresses a ON a.id = ae.address_id
		JOIN extrinsics e ON e.hash = ae.extrinsic_hash
		JOIN blocks b ON b.number = e.block_number
		WHERE a.address = ?
		ORDER BY ae.block_number DESC
		LIMIT ?`, address, limit)
	if err != nil {
		return nil, errors.Wrap(err, "loading address extrinsics")
	}
	defer rows.Close()

	var extrinsics []*Extrinsic
	for rows.Next() {
		ext := new(Extrinsic)
		var (
			signer, signature sql.NullString
			nonce             sql.NullInt64
			args              string
		)
		err := rows.Scan(&ext.Hash, &ext.Index, &ext.Section, &ext.Method,
			&signer, &nonce, &args, &signature, &ext.IsSigned, &ext.Success,
			&ext.BlockNumber, &ext.BlockHash, &ext.Timestamp)
		if err != nil {
			return nil, errors.Wrap(err, "scanning address extrinsic")
		}
		ext.Signer = signer.String
		ext.Signature = signature.String
		ext.Args = []byte(args)
		if nonce.Valid {
			value := uint64(nonce.Int64)
			ext.Nonce = &value
		}
		extrinsics = append(extrinsics, ext)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating address extrinsics")
	}

	for _, ext := range extrinsics {
		ext.Events, err = s.eventsForExtrinsic(ctx, ext.Hash)
		if err != nil {
			return nil, err
		}
	}
	return extrinsics, nil
}
