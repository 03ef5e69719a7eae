package core

import "github.com/goccy/go-json"

// Header is a decoded block header. Number is parsed from the node's hex
// rendering; hashes are normalized per NormalizeHash.
type Header struct {
	Number         uint64 `json:"number"`
	Hash           string `json:"hash"`
	ParentHash     string `json:"parentHash"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
}

// EventRecord is one event emitted during block execution. ExtrinsicIndex is
// set iff the event was applied within an extrinsic (phase applyExtrinsic);
// ExtrinsicHash is attached during block assembly.
type EventRecord struct {
	EventIndex     int             `json:"eventIndex"`
	ExtrinsicIndex *int            `json:"extrinsicIndex,omitempty"`
	ExtrinsicHash  string          `json:"extrinsicHash,omitempty"`
	Section        string          `json:"section"`
	Method         string          `json:"method"`
	Data           json.RawMessage `json:"data"`
}

// Extrinsic is one decoded call within a block body. Args is stored as the
// opaque JSON the decoder produced; it survives chain metadata changes and is
// never interpreted downstream.
type Extrinsic struct {
	Hash      string          `json:"hash"`
	Index     int             `json:"index"`
	Section   string          `json:"section"`
	Method    string          `json:"method"`
	Signer    string          `json:"signer,omitempty"`
	Nonce     *uint64         `json:"nonce,omitempty"`
	Args      json.RawMessage `json:"args"`
	Signature string          `json:"signature,omitempty"`
	IsSigned  bool            `json:"isSigned"`
	Success   bool            `json:"success"`
	Events    []*EventRecord  `json:"events"`
}

// BlockRecord is a fully assembled block: header, decoded extrinsics with
// their applyExtrinsic events attached, and the standalone events emitted
// outside any extrinsic.
type BlockRecord struct {
	Number           uint64         `json:"number"`
	Hash             string         `json:"hash"`
	ParentHash       string         `json:"parentHash"`
	StateRoot        string         `json:"stateRoot"`
	ExtrinsicsRoot   string         `json:"extrinsicsRoot"`
	Timestamp        int64          `json:"timestamp"`
	Author           string         `json:"author,omitempty"`
	Extrinsics       []*Extrinsic   `json:"extrinsics"`
	StandaloneEvents []*EventRecord `json:"standaloneEvents,omitempty"`
}

// EventsCount is the total number of events in the block, extrinsic-applied
// and standalone.
func (b *BlockRecord) EventsCount() int {
	n := len(b.StandaloneEvents)
	for _, ext := range b.Extrinsics {
		n += len(ext.Events)
	}
	return n
}

// HeadSeen is published for every new best head observed on the live
// subscription.
type HeadSeen struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
	SeenAt int64  `json:"seenAt"`
}

// TxSeen is published for every signed extrinsic the indexer commits.
// Participants are the derived non-signer addresses.
type TxSeen struct {
	Hash         string   `json:"hash"`
	BlockNumber  uint64   `json:"blockNumber"`
	BlockHash    string   `json:"blockHash"`
	Section      string   `json:"section"`
	Method       string   `json:"method"`
	Signer       string   `json:"signer,omitempty"`
	Participants []string `json:"-"`
	Timestamp    int64    `json:"timestamp"`
}

// HeadFinalized is published for every finalized head observed.
type HeadFinalized struct {
	Number      uint64 `json:"number"`
	Hash        string `json:"hash"`
	FinalizedAt int64  `json:"finalizedAt"`
}
