package wire

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestParseFrameCommit(t *testing.T) {
	header := encode(t, Header{T: TypeCommit, Op: 1})
	body := encode(t, commitBody{
		Repo: "did:plc:abc123",
		Rev:  "3juy",
		Seq:  42,
		Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Ops: []wireOp{
			{Action: "create", Path: "app.bsky.feed.post/abc", Cid: nil},
		},
		Blocks: []byte("car-bytes"),
	})

	ev, labels, recognized, err := ParseFrame(append(header, body...))
	require.NoError(t, err)
	require.True(t, recognized)
	require.Nil(t, labels)
	require.NotNil(t, ev)
	require.Equal(t, "did:plc:abc123", ev.DID)
	require.Equal(t, int64(42), ev.Seq)
	require.Equal(t, "commit", ev.Kind)
	require.Len(t, ev.Ops, 1)
	require.Equal(t, "create", ev.Ops[0].Action)
}

func TestParseFrameLabels(t *testing.T) {
	header := encode(t, Header{T: TypeLabels, Op: 1})
	body := encode(t, labelsBody{
		Seq: 7,
		Labels: []wireLabel{
			{Src: "did:plc:modsvc", Uri: "at://did:plc:abc/app.bsky.feed.post/xyz", Val: "spam", Cts: "2026-01-01T00:00:00Z"},
		},
	})

	ev, labels, recognized, err := ParseFrame(append(header, body...))
	require.NoError(t, err)
	require.True(t, recognized)
	require.Nil(t, ev)
	require.NotNil(t, labels)
	require.Equal(t, int64(7), labels.Seq)
	require.Len(t, labels.Labels, 1)
	require.Equal(t, "spam", labels.Labels[0].Val)
}

func TestParseFrameUnrecognizedTypeIsSkippedNotErrored(t *testing.T) {
	header := encode(t, Header{T: "#tombstone", Op: 1})
	body := encode(t, map[string]any{"did": "did:plc:gone"})

	ev, labels, recognized, err := ParseFrame(append(header, body...))
	require.NoError(t, err)
	require.False(t, recognized)
	require.Nil(t, ev)
	require.Nil(t, labels)
}

func TestParseFrameMalformedHeaderIsHardError(t *testing.T) {
	_, _, _, err := ParseFrame([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestParseFrameMalformedBodyIsHardError(t *testing.T) {
	header := encode(t, Header{T: TypeCommit, Op: 1})
	garbage := []byte{0xa1, 0xff}
	_, _, recognized, err := ParseFrame(append(header, garbage...))
	require.True(t, recognized)
	require.Error(t, err)
}
