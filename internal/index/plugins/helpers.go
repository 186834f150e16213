// Package plugins implements the per-collection RecordPlugin
// contract for the app.bsky.* record types the indexer materializes
// beyond the generic record table: posts (the worked example) and the
// supplemented like/repost/follow/block/profile plugins.
package plugins

import "time"

// str reads a string field from a decoded record map, returning ""
// if absent or of the wrong type.
func str(record map[string]any, key string) string {
	v, ok := record[key].(string)
	if !ok {
		return ""
	}
	return v
}

// strSlice reads a []string field, tolerating the []any shape a
// generic JSON/CBOR decode produces.
func strSlice(record map[string]any, key string) []string {
	raw, ok := record[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// subMap reads a nested map field.
func subMap(record map[string]any, key string) (map[string]any, bool) {
	m, ok := record[key].(map[string]any)
	return m, ok
}

// subSlice reads a nested []any field.
func subSlice(record map[string]any, key string) []any {
	s, _ := record[key].([]any)
	return s
}

// parseCreatedAt parses a lexicon createdAt timestamp, falling back
// to the zero time (callers then fall back to indexedAt) rather than
// rejecting the whole record over a malformed or missing timestamp.
func parseCreatedAt(record map[string]any) time.Time {
	s := str(record, "createdAt")
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sortAt picks the earlier of createdAt and indexedAt, matching the
// post plugin's sortAt = min(createdAt, indexedAt) rule; a missing or
// unparsable createdAt defers entirely to indexedAt.
func sortAt(createdAt, indexedAt time.Time) time.Time {
	if createdAt.IsZero() || indexedAt.Before(createdAt) {
		return indexedAt
	}
	return createdAt
}

// strongRef reads an atproto "strong ref" shape ({"uri": ..., "cid":
// ...}) out of a nested map field.
func strongRef(record map[string]any, key string) (uri, cid string, ok bool) {
	m, present := subMap(record, key)
	if !present {
		return "", "", false
	}
	uri = str(m, "uri")
	cid = str(m, "cid")
	return uri, cid, uri != ""
}
