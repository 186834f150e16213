// Package repo provides read-side AT Protocol repository operations:
// Merkle Search Tree (MST) traversal, CAR block loading, commit
// signature verification, and record decoding. The pipeline only ever
// consumes repositories produced elsewhere; it never creates, signs,
// or exports one.
package repo

import (
	"encoding/base64"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DecodeRecord converts DAG-CBOR bytes to an atproto data map using
// indigo's link-aware decoder: tag-42 CID links decode directly to
// {"$link": "<cid>"} and raw byte strings to {"$bytes": "<base64>"},
// per the atproto data model (§9).
func DecodeRecord(cborBytes []byte) (map[string]any, error) {
	m, err := data.UnmarshalCBOR(cborBytes)
	if err != nil {
		return nil, fmt.Errorf("repo: decode record: %w", err)
	}
	return m, nil
}

// ComputeCID returns a CIDv1 (SHA-256, DAG-CBOR codec) for raw bytes,
// used to verify that a decoded block matches the CID the MST or a
// repo op claims for it.
func ComputeCID(raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)
	return builder.Sum(raw)
}

// ConvertRecordToIPLD decodes raw DAG-CBOR bytes through DecodeRecord
// and then normalizes the result for plugin consumption: an untagged
// byte string that data.UnmarshalCBOR surfaced as {"$bytes": ...}
// but that has the shape of a CID link (a legacy or non-tag-42
// encoding some producers still emit, see §9) is rewritten to the same
// {"$link": ...} shape a proper tag-42 link already decodes to. A
// byte string with any other shape is left as {"$bytes": ...}.
func ConvertRecordToIPLD(cborBytes []byte) (map[string]any, error) {
	m, err := DecodeRecord(cborBytes)
	if err != nil {
		return nil, err
	}

	converted, ok := normalizeLinks(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("repo: record did not decode to a map")
	}
	return converted, nil
}

// normalizeLinks walks a decoded atproto data value looking for
// {"$bytes": ...} entries whose payload looksLikeCIDBytes, rewriting
// them to {"$link": ...}. Everything else passes through unchanged.
func normalizeLinks(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if b, ok := val["$bytes"].(string); ok && len(val) == 1 {
			if raw, err := base64.StdEncoding.DecodeString(b); err == nil && looksLikeCIDBytes(raw) {
				return map[string]any{"$link": bytesToCIDString(raw)}
			}
		}
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = normalizeLinks(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = normalizeLinks(sub)
		}
		return out
	default:
		return val
	}
}

// looksLikeCIDBytes reports whether raw has the shape of a DAG-CBOR
// CID link: a leading 0x00 multibase-identity byte followed by a
// CIDv1 DAG-CBOR/SHA2-256 prefix. It is a heuristic, not a parse: a
// genuine non-link byte string of the same length and prefix bytes
// would be misclassified.
func looksLikeCIDBytes(raw []byte) bool {
	if len(raw) != 37 || raw[0] != 0x00 {
		return false
	}
	// CIDv1 prefix: version(1) + codec(dag-cbor=0x71) + mh-type(sha2-256=0x12) + mh-len(32)
	return raw[1] == 0x01 && raw[2] == 0x71 && raw[3] == 0x12 && raw[4] == 0x20
}

func bytesToCIDString(raw []byte) string {
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return ""
	}
	return c.String()
}
