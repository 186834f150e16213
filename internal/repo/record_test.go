package repo

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/stretchr/testify/require"
)

func TestComputeCIDDeterministic(t *testing.T) {
	raw := []byte{0xa1, 0x61, 0x61, 0x01}
	c1, err := ComputeCID(raw)
	require.NoError(t, err)
	c2, err := ComputeCID(raw)
	require.NoError(t, err)
	require.Equal(t, c1.String(), c2.String())
}

func TestConvertRecordToIPLDRoundTripsPlainFields(t *testing.T) {
	record := map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "hello world",
	}
	cborBytes, err := data.MarshalCBOR(record)
	require.NoError(t, err)

	out, err := ConvertRecordToIPLD(cborBytes)
	require.NoError(t, err)
	require.Equal(t, "app.bsky.feed.post", out["$type"])
	require.Equal(t, "hello world", out["text"])
}

func TestConvertRecordToIPLDPreservesTag42Links(t *testing.T) {
	linked, err := ComputeCID([]byte{0xa1, 0x61, 0x61, 0x01})
	require.NoError(t, err)

	record := map[string]any{
		"$type": "app.bsky.feed.post",
		"embed": map[string]any{
			"$type": "app.bsky.embed.record",
			"record": map[string]any{
				"$link": linked.String(),
			},
		},
	}
	cborBytes, err := data.MarshalCBOR(record)
	require.NoError(t, err)

	out, err := ConvertRecordToIPLD(cborBytes)
	require.NoError(t, err)

	embed, ok := out["embed"].(map[string]any)
	require.True(t, ok)
	rec, ok := embed["record"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, linked.String(), rec["$link"])
}

func TestLooksLikeCIDBytesRejectsWrongLength(t *testing.T) {
	require.False(t, looksLikeCIDBytes([]byte{0x00, 0x01, 0x71, 0x12, 0x20}))
	require.False(t, looksLikeCIDBytes(make([]byte, 37)))
}

func TestLooksLikeCIDBytesAcceptsValidPrefix(t *testing.T) {
	raw := make([]byte, 37)
	raw[0] = 0x00
	raw[1] = 0x01
	raw[2] = 0x71
	raw[3] = 0x12
	raw[4] = 0x20
	require.True(t, looksLikeCIDBytes(raw))
}
