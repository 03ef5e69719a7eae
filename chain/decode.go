package chain

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	substrate "github.com/itering/substrate-api-rpc"
	"github.com/itering/substrate-api-rpc/metadata"
	"github.com/subscope/subscope/core"
	"golang.org/x/crypto/blake2b"
)

// runtimeCache holds the registered chain metadata. Decoding extrinsics and
// events requires the runtime's type registry; it is fetched on first use and
// kept for the client's lifetime, across reconnects. The spec version is not
// checked again, so a runtime upgrade on the node does not trigger a re-fetch.
type runtimeCache struct {
	mu          sync.Mutex
	specVersion int
	meta        *metadata.Instant
}

type runtimeVersion struct {
	SpecName    string `json:"specName"`
	SpecVersion int    `json:"specVersion"`
}

func (c *Client) ensureRuntime(ctx context.Context) (*metadata.Instant, int, error) {
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()
	if c.runtime.meta != nil {
		return c.runtime.meta, c.runtime.specVersion, nil
	}

	raw, err := c.call(ctx, "state_getRuntimeVersion")
	if err != nil {
		return nil, 0, err
	}
	var version runtimeVersion
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, 0, core.WrapError(core.KindDecode, err, "state_getRuntimeVersion")
	}
	if version.SpecVersion == 0 {
		return nil, 0, core.NewError(core.KindDecode, "runtime reported spec version 0")
	}

	raw, err = c.call(ctx, "state_getMetadata")
	if err != nil {
		return nil, 0, err
	}
	var coded string
	if err := json.Unmarshal(raw, &coded); err != nil {
		return nil, 0, core.WrapError(core.KindDecode, err, "state_getMetadata")
	}
	meta := metadata.RegNewMetadataType(version.SpecVersion, coded)
	if meta == nil {
		return nil, 0, core.NewError(core.KindDecode, "metadata registration failed")
	}

	c.runtime.specVersion = version.SpecVersion
	c.runtime.meta = meta
	c.log.Infow("Registered runtime metadata", "spec", version.SpecName, "specVersion", version.SpecVersion)
	return meta, version.SpecVersion, nil
}

// ChainName reports the node's chain name.
func (c *Client) ChainName(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "system_chain")
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", core.WrapError(core.KindDecode, err, "system_chain")
	}
	return name, nil
}

func (c *Client) decodeExtrinsics(ctx context.Context, blockHash string, raws []string) ([]*core.Extrinsic, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	meta, specVersion, err := c.ensureRuntime(ctx)
	if err != nil {
		return nil, err
	}
	decoded, err := substrate.DecodeExtrinsic(raws, meta, specVersion)
	if err != nil {
		return nil, core.WrapError(core.KindDecode, err, "decoding extrinsics")
	}

	extrinsics := make([]*core.Extrinsic, 0, len(decoded))
	for i, m := range decoded {
		ext := &core.Extrinsic{
			Index:   i,
			Section: mapString(m, "call_module"),
			Method:  mapString(m, "call_module_function"),
			Args:    marshalOpaque(m["params"]),
			Success: true, // overturned by a system.ExtrinsicFailed event
		}
		if i < len(raws) {
			ext.Hash = extrinsicHash(raws[i])
		}
		if signer := mapString(m, "account_id", "address"); signer != "" {
			ext.IsSigned = true
			ext.Signer = renderSigner(signer)
			ext.Signature = mapString(m, "signature")
			if nonce, ok := mapUint(m, "nonce"); ok {
				ext.Nonce = &nonce
			}
		}
		extrinsics = append(extrinsics, ext)
	}
	return extrinsics, nil
}

// EventsAt reads and decodes the System.Events storage at the given block
// hash. Events are returned in emission order with their phase resolved to an
// extrinsic index where applicable.
func (c *Client) EventsAt(ctx context.Context, blockHash string) ([]*core.EventRecord, error) {
	meta, specVersion, err := c.ensureRuntime(ctx)
	if err != nil {
		return nil, err
	}
	eventsHex, err := c.storageHex(ctx, "System", "Events", blockHash)
	if err != nil {
		return nil, err
	}
	if eventsHex == "" || eventsHex == "0x" {
		return nil, nil
	}
	decoded, err := substrate.DecodeEvent(eventsHex, meta, specVersion)
	if err != nil {
		return nil, core.WrapError(core.KindDecode, err, "decoding events")
	}
	items, ok := decoded.([]any)
	if !ok {
		return nil, core.NewError(core.KindDecode, "decoded events are not a list")
	}

	records := make([]*core.EventRecord, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			c.log.Warnw("Skipping malformed event", "block", blockHash, "index", i)
			continue
		}
		record := &core.EventRecord{
			EventIndex: i,
			Section:    mapString(m, "module_id", "call_module"),
			Method:     mapString(m, "event_id", "call_module_function"),
			Data:       marshalOpaque(m["params"]),
		}
		if idx, ok := mapUint(m, "extrinsic_idx"); ok && appliedInExtrinsic(m) {
			extIdx := int(idx)
			record.ExtrinsicIndex = &extIdx
		}
		records = append(records, record)
	}
	return records, nil
}

// appliedInExtrinsic reports whether the event's phase is applyExtrinsic.
// The decoder renders the phase as an integer where 0 means applyExtrinsic;
// events without a phase field but with an extrinsic index are treated as
// applied.
func appliedInExtrinsic(m map[string]any) bool {
	phase, ok := mapUint(m, "phase")
	if !ok {
		return true
	}
	return phase == 0
}

// extrinsicHash is the blake2b-256 digest of the raw extrinsic bytes,
// rendered per the hash normalization rules.
func extrinsicHash(raw string) string {
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return ""
	}
	digest := blake2b.Sum256(data)
	return "0x" + hex.EncodeToString(digest[:])
}

// renderSigner converts a decoded signer to its address rendering. Decoders
// yield the raw public key as hex; anything that is not hex is assumed to be
// an already-rendered address and preserved verbatim.
func renderSigner(signer string) string {
	trimmed := strings.TrimPrefix(signer, "0x")
	if len(trimmed) != 64 {
		return signer
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return signer
	}
	address, err := core.SS58Encode(trimmed, core.DefaultSS58Prefix)
	if err != nil {
		return signer
	}
	return address
}

func marshalOpaque(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func mapString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func mapUint(m map[string]any, keys ...string) (uint64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n >= 0 {
				return uint64(n), true
			}
		case int:
			if n >= 0 {
				return uint64(n), true
			}
		case int64:
			if n >= 0 {
				return uint64(n), true
			}
		case uint64:
			return n, true
		case json.Number:
			if parsed, err := n.Int64(); err == nil && parsed >= 0 {
				return uint64(parsed), true
			}
		}
	}
	return 0, false
}
