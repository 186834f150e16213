package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// encodeFirehoseEvent serializes a FirehoseEvent for storage as a
// queue payload. JSON is used rather than CBOR here: this is the
// pipeline's own internal queue wire format, not an AT Protocol wire
// shape, so there is no benefit to matching DAG-CBOR framing for it.
func encodeFirehoseEvent(ev *types.FirehoseEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode firehose event: %w", err)
	}
	return b, nil
}

// DecodeFirehoseEvent is the inverse of encodeFirehoseEvent, used by
// the indexer when draining firehose_live.
func DecodeFirehoseEvent(payload []byte) (*types.FirehoseEvent, error) {
	var ev types.FirehoseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("ingest: decode firehose event: %w", err)
	}
	return &ev, nil
}

// encodeLabelEvent serializes a LabelEvent for storage as a queue
// payload.
func encodeLabelEvent(ev *types.LabelEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode label event: %w", err)
	}
	return b, nil
}

// DecodeLabelEvent is the inverse of encodeLabelEvent.
func DecodeLabelEvent(payload []byte) (*types.LabelEvent, error) {
	var ev types.LabelEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("ingest: decode label event: %w", err)
	}
	return &ev, nil
}

// EncodeIndexJob serializes an IndexJob for storage as a queue
// payload, used by the backfiller when fanning records out onto
// firehose_backfill.
func EncodeIndexJob(job *types.IndexJob) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode index job: %w", err)
	}
	return b, nil
}

// DecodeIndexJob is the inverse of EncodeIndexJob, used by the
// indexer when draining firehose_backfill.
func DecodeIndexJob(payload []byte) (*types.IndexJob, error) {
	var job types.IndexJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("ingest: decode index job: %w", err)
	}
	return &job, nil
}
