// Package wire implements the CBOR frame parser shared by the firehose
// and label ingesters: each binary WebSocket frame carries two
// concatenated CBOR objects, a header and a body, exactly as the
// teacher's own event-persistence layer writes them in the opposite
// direction (header then commit, both length-implicit CBOR objects on
// one frame).
package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// Header type names. Only #commit and #labels bodies are decoded;
// every other type, #identity and #account included, is counted and
// skipped.
const (
	TypeCommit  = "#commit"
	TypeIdentity = "#identity"
	TypeAccount  = "#account"
	TypeLabels   = "#labels"
)

// Header is the eagerly-parsed first CBOR object on every frame.
type Header struct {
	T  string `cbor:"t"`
	Op int64  `cbor:"op"`
}

// commitBody mirrors the standard subscribeRepos #commit payload: the
// fields this pipeline actually consumes. Extra fields present on the
// wire (tooBig, rebase, blobs, ...) are ignored by the decoder.
type commitBody struct {
	Repo   string    `cbor:"repo"`
	Rev    string    `cbor:"rev"`
	Seq    int64     `cbor:"seq"`
	Time   time.Time `cbor:"time"`
	Ops    []wireOp  `cbor:"ops"`
	Blocks []byte    `cbor:"blocks"`
}

type wireOp struct {
	Action string  `cbor:"action"`
	Path   string  `cbor:"path"`
	Cid    *wireCID `cbor:"cid"`
}

// wireCID decodes a DAG-CBOR CID link tag (major type 6, tag 42) into
// its string form. Deletes carry a nil cid.
type wireCID struct {
	Str string
}

func (w *wireCID) UnmarshalCBOR(data []byte) error {
	var tagged cbor.Tag
	if err := cbor.Unmarshal(data, &tagged); err != nil {
		// Some encoders emit a bare byte string instead of a tag.
		var raw []byte
		if err2 := cbor.Unmarshal(data, &raw); err2 != nil {
			return fmt.Errorf("wire: decode cid link: %w", err)
		}
		w.Str = bytesToCIDString(raw)
		return nil
	}
	raw, ok := tagged.Content.([]byte)
	if !ok {
		return fmt.Errorf("wire: cid tag content is not bytes")
	}
	w.Str = bytesToCIDString(raw)
	return nil
}

// bytesToCIDString strips the leading 0x00 multibase-identity byte
// DAG-CBOR CID links carry and returns the CID's canonical string
// form, or "" when the remaining bytes are not a valid binary CID.
func bytesToCIDString(raw []byte) string {
	if len(raw) > 0 && raw[0] == 0x00 {
		raw = raw[1:]
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return ""
	}
	return c.String()
}

// labelsBody mirrors the subscribeLabels #labels payload.
type labelsBody struct {
	Seq    int64       `cbor:"seq"`
	Labels []wireLabel `cbor:"labels"`
}

type wireLabel struct {
	Src string `cbor:"src"`
	Uri string `cbor:"uri"`
	Cid string `cbor:"cid"`
	Val string `cbor:"val"`
	Cts string `cbor:"cts"`
	Neg bool   `cbor:"neg"`
}

// ParseHeader decodes only the header object from the front of a
// frame and returns the number of bytes it consumed, so the caller can
// slice the remaining bytes as the body.
func ParseHeader(frame []byte) (Header, int, error) {
	dec := cbor.NewDecoder(bytes.NewReader(frame))
	var h Header
	if err := dec.Decode(&h); err != nil {
		return Header{}, 0, fmt.Errorf("wire: parse header: %w", err)
	}
	return h, int(dec.NumBytesRead()), nil
}

// ParseCommit decodes a #commit body into a FirehoseEvent. The caller
// must have already parsed and recognized the header.
func ParseCommit(body []byte) (types.FirehoseEvent, error) {
	var cb commitBody
	if err := cbor.Unmarshal(body, &cb); err != nil {
		return types.FirehoseEvent{}, fmt.Errorf("wire: parse commit body: %w", err)
	}

	ops := make([]types.RepoOp, 0, len(cb.Ops))
	for _, op := range cb.Ops {
		cidStr := ""
		if op.Cid != nil {
			cidStr = op.Cid.Str
		}
		ops = append(ops, types.RepoOp{Action: op.Action, Path: op.Path, CID: cidStr})
	}

	return types.FirehoseEvent{
		Seq:    cb.Seq,
		DID:    cb.Repo,
		Time:   cb.Time,
		Kind:   "commit",
		Rev:    cb.Rev,
		Ops:    ops,
		Blocks: cb.Blocks,
	}, nil
}

// ParseLabels decodes a #labels body into a LabelEvent.
func ParseLabels(body []byte) (types.LabelEvent, error) {
	var lb labelsBody
	if err := cbor.Unmarshal(body, &lb); err != nil {
		return types.LabelEvent{}, fmt.Errorf("wire: parse labels body: %w", err)
	}

	labels := make([]types.Label, 0, len(lb.Labels))
	for _, l := range lb.Labels {
		cts, _ := time.Parse(time.RFC3339, l.Cts)
		labels = append(labels, types.Label{
			Src: l.Src,
			URI: l.Uri,
			CID: l.Cid,
			Val: l.Val,
			Cts: cts,
			Neg: l.Neg,
		})
	}

	return types.LabelEvent{Seq: lb.Seq, Labels: labels}, nil
}

// ParseFrame splits a single binary WS frame into its header and, for
// recognized types, its decoded body. Unknown types return a nil event
// and nil labels with ok=false but no error — the caller counts and
// skips. Malformed CBOR in either the header or a recognized body is a
// hard error for this frame only; the caller logs it, increments a
// metric, and continues reading the connection.
func ParseFrame(frame []byte) (event *types.FirehoseEvent, labels *types.LabelEvent, recognized bool, err error) {
	h, n, err := ParseHeader(frame)
	if err != nil {
		return nil, nil, false, err
	}
	body := frame[n:]

	switch h.T {
	case TypeCommit:
		ev, err := ParseCommit(body)
		if err != nil {
			return nil, nil, true, err
		}
		return &ev, nil, true, nil
	case TypeLabels:
		le, err := ParseLabels(body)
		if err != nil {
			return nil, nil, true, err
		}
		return nil, &le, true, nil
	default:
		return nil, nil, false, nil
	}
}
