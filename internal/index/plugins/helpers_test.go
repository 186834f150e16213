package plugins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStrAndStrSlice(t *testing.T) {
	record := map[string]any{
		"text":  "hello",
		"langs": []any{"en", "fr", 5},
		"count": 3,
	}
	require.Equal(t, "hello", str(record, "text"))
	require.Equal(t, "", str(record, "missing"))
	require.Equal(t, "", str(record, "count"))
	require.Equal(t, []string{"en", "fr"}, strSlice(record, "langs"))
	require.Nil(t, strSlice(record, "missing"))
}

func TestSubMapAndSubSlice(t *testing.T) {
	record := map[string]any{
		"reply": map[string]any{"root": map[string]any{"uri": "at://a/b/c"}},
		"items": []any{"x", "y"},
	}
	reply, ok := subMap(record, "reply")
	require.True(t, ok)
	require.NotNil(t, reply)

	_, ok = subMap(record, "missing")
	require.False(t, ok)

	require.Equal(t, []any{"x", "y"}, subSlice(record, "items"))
	require.Nil(t, subSlice(record, "missing"))
}

func TestParseCreatedAt(t *testing.T) {
	record := map[string]any{"createdAt": "2024-03-05T12:00:00Z"}
	ts := parseCreatedAt(record)
	require.False(t, ts.IsZero())
	require.Equal(t, 2024, ts.Year())

	require.True(t, parseCreatedAt(map[string]any{}).IsZero())
	require.True(t, parseCreatedAt(map[string]any{"createdAt": "not-a-time"}).IsZero())
}

func TestSortAt(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	indexed := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	require.Equal(t, created, sortAt(created, indexed))
	require.Equal(t, indexed, sortAt(time.Time{}, indexed))

	// createdAt after indexedAt (clock skew) defers to indexedAt.
	require.Equal(t, indexed, sortAt(indexed.Add(time.Hour), indexed))
}

func TestStrongRef(t *testing.T) {
	record := map[string]any{
		"subject": map[string]any{"uri": "at://did:plc:a/app.bsky.feed.post/1", "cid": "bafy1"},
	}
	uri, cid, ok := strongRef(record, "subject")
	require.True(t, ok)
	require.Equal(t, "at://did:plc:a/app.bsky.feed.post/1", uri)
	require.Equal(t, "bafy1", cid)

	_, _, ok = strongRef(record, "missing")
	require.False(t, ok)

	_, _, ok = strongRef(map[string]any{"subject": map[string]any{"cid": "bafy1"}}, "subject")
	require.False(t, ok)
}

func TestBlobCID(t *testing.T) {
	withRef := map[string]any{
		"image": map[string]any{"ref": map[string]any{"$link": "bafy-ref"}},
	}
	require.Equal(t, "bafy-ref", blobCID(withRef, "image"))

	flat := map[string]any{
		"image": map[string]any{"$link": "bafy-flat"},
	}
	require.Equal(t, "bafy-flat", blobCID(flat, "image"))

	require.Equal(t, "", blobCID(map[string]any{}, "image"))
}

func TestDidFromURI(t *testing.T) {
	require.Equal(t, "did:plc:abc", didFromURI("at://did:plc:abc/app.bsky.feed.post/1"))
	require.Equal(t, "", didFromURI("not-a-uri"))
	require.Equal(t, "", didFromURI("at://"))
}

func TestNullIfEmptyAndDerefStr(t *testing.T) {
	require.Nil(t, nullIfEmpty(""))
	require.Equal(t, "x", nullIfEmpty("x"))

	require.Equal(t, "", derefStr(nil))
	s := "y"
	require.Equal(t, "y", derefStr(&s))
}
