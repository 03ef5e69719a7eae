package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/goccy/go-json"
	"github.com/itering/substrate-api-rpc/storageKey"
	rpcutil "github.com/itering/substrate-api-rpc/util"
	"github.com/subscope/subscope/core"
)

// Storage reads a named storage item at the given block hash (or the tip if
// at is empty) and returns the raw SCALE bytes. Absent values come back nil.
func (c *Client) Storage(ctx context.Context, module, item string, args []string, at string) ([]byte, error) {
	value, err := c.storageHexKeyed(ctx, module, item, args, at)
	if err != nil {
		return nil, err
	}
	if value == "" || value == "0x" {
		return nil, nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return nil, core.WrapError(core.KindDecode, err, "storage value")
	}
	return data, nil
}

func (c *Client) storageHex(ctx context.Context, module, item, at string) (string, error) {
	return c.storageHexKeyed(ctx, module, item, nil, at)
}

func (c *Client) storageHexKeyed(ctx context.Context, module, item string, args []string, at string) (string, error) {
	// Key encoding consults the registered metadata for map hashers.
	if _, _, err := c.ensureRuntime(ctx); err != nil {
		return "", err
	}
	key := storageKey.EncodeStorageKey(module, item, args...)
	params := []any{rpcutil.AddHex(key.EncodeKey)}
	if at != "" {
		params = append(params, at)
	}
	raw, err := c.call(ctx, "state_getStorage", params...)
	if err != nil {
		return "", err
	}
	if isNullResult(raw) {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", core.WrapError(core.KindDecode, err, "state_getStorage")
	}
	return value, nil
}

// CurrentEra reads staking.currentEra.
func (c *Client) CurrentEra(ctx context.Context) (uint32, error) {
	data, err := c.Storage(ctx, "Staking", "CurrentEra", nil, "")
	if err != nil {
		return 0, err
	}
	return decodeU32(data)
}

// ActiveEraInfo is the decoded staking.activeEra value. Start is a unix
// timestamp in milliseconds and may be absent.
type ActiveEraInfo struct {
	Index    uint32
	Start    uint64
	HasStart bool
}

// ActiveEra reads staking.activeEra.
func (c *Client) ActiveEra(ctx context.Context) (ActiveEraInfo, error) {
	data, err := c.Storage(ctx, "Staking", "ActiveEra", nil, "")
	if err != nil {
		return ActiveEraInfo{}, err
	}
	return decodeActiveEra(data)
}

// ErasStart reads staking.erasStartSessionIndex for the given era.
func (c *Client) ErasStart(ctx context.Context, era uint32) (uint32, error) {
	data, err := c.Storage(ctx, "Staking", "ErasStartSessionIndex", []string{encodeU32(era)}, "")
	if err != nil {
		return 0, err
	}
	return decodeU32(data)
}

// The staking readout needs only fixed-width SCALE integers and one Option;
// the full type decoder and its per-network registries would be dead weight
// for four-byte values.

func decodeU32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, core.NewError(core.KindDecode, "storage value shorter than u32")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// decodeActiveEra decodes ActiveEraInfo: u32 index followed by Option<u64>
// start.
func decodeActiveEra(data []byte) (ActiveEraInfo, error) {
	index, err := decodeU32(data)
	if err != nil {
		return ActiveEraInfo{}, err
	}
	info := ActiveEraInfo{Index: index}
	rest := data[4:]
	if len(rest) >= 1 && rest[0] == 0x01 && len(rest) >= 9 {
		info.Start = binary.LittleEndian.Uint64(rest[1:9])
		info.HasStart = true
	}
	return info, nil
}

func encodeU32(v uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return hex.EncodeToString(buf[:])
}
