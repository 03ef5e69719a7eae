package indexer

import (
	"github.com/goccy/go-json"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/store"
)

// deriveEdges collects the address↔extrinsic edges of one block. For each
// extrinsic the candidate set is the signer plus every address-like string in
// the recursively walked args tree and the data trees of its events. An
// address appearing more than once in one extrinsic yields a single edge.
func deriveEdges(record *core.BlockRecord, isAddress core.AddressPredicate) []store.AddressEdge {
	var edges []store.AddressEdge
	for _, ext := range record.Extrinsics {
		seen := make(map[string]struct{})
		if ext.Signer != "" {
			seen[ext.Signer] = struct{}{}
		}
		collectAddresses(decodeTree(ext.Args), isAddress, seen)
		for _, event := range ext.Events {
			collectAddresses(decodeTree(event.Data), isAddress, seen)
		}
		for address := range seen {
			role := "participant"
			if address == ext.Signer {
				role = "signer"
			}
			edges = append(edges, store.AddressEdge{
				Address:       address,
				ExtrinsicHash: ext.Hash,
				BlockNumber:   record.Number,
				Role:          role,
			})
		}
	}
	return edges
}

func decodeTree(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	return tree
}

func collectAddresses(node any, isAddress core.AddressPredicate, into map[string]struct{}) {
	switch v := node.(type) {
	case string:
		if isAddress(v) {
			into[v] = struct{}{}
		}
	case []any:
		for _, item := range v {
			collectAddresses(item, isAddress, into)
		}
	case map[string]any:
		for _, item := range v {
			collectAddresses(item, isAddress, into)
		}
	}
}
