package chain

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/subscope/subscope/core"
)

// ConnState is published on the client's state feed for every connection
// transition.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// rpcMessage is either a response (ID set) or a subscription notification
// (Method set).
type rpcMessage struct {
	Version string           `json:"jsonrpc"`
	ID      *uint64          `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  *subNotification `json:"params,omitempty"`
}

type subNotification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// encodedHeader is the node's JSON rendering of a block header. The number is
// hex; the hash is not part of the header and is resolved separately.
type encodedHeader struct {
	Number         string `json:"number"`
	ParentHash     string `json:"parentHash"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
}

func (h *encodedHeader) decode() (core.Header, error) {
	number, err := parseHexUint(h.Number)
	if err != nil {
		return core.Header{}, core.WrapError(core.KindDecode, err, "header number")
	}
	parent, err := core.NormalizeHash(h.ParentHash)
	if err != nil {
		return core.Header{}, core.WrapError(core.KindDecode, err, "parent hash")
	}
	stateRoot, err := core.NormalizeHash(h.StateRoot)
	if err != nil {
		return core.Header{}, core.WrapError(core.KindDecode, err, "state root")
	}
	extRoot, err := core.NormalizeHash(h.ExtrinsicsRoot)
	if err != nil {
		return core.Header{}, core.WrapError(core.KindDecode, err, "extrinsics root")
	}
	return core.Header{
		Number:         number,
		ParentHash:     parent,
		StateRoot:      stateRoot,
		ExtrinsicsRoot: extRoot,
	}, nil
}

// encodedBlock is the node's JSON rendering of chain_getBlock.
type encodedBlock struct {
	Block struct {
		Header     encodedHeader `json:"header"`
		Extrinsics []string      `json:"extrinsics"`
	} `json:"block"`
}

// Head is one item of a head subscription stream.
type Head struct {
	Number uint64
	Hash   string
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 16, 64)
}
