package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/wintergreen/internal/queue"
)

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPopulateBackfillQueuePaginates(t *testing.T) {
	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		pages++
		if req.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"repos":[{"did":"did:plc:a"},{"did":"did:plc:b"}],"cursor":"page2"}`))
			return
		}
		w.Write([]byte(`{"repos":[{"did":"did:plc:c"}],"cursor":""}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	err := PopulateBackfillQueue(context.Background(), srv.Client(), store, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, pages)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	cursor, ok, err := store.GetStringCursor("backfill_enum:" + srv.URL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "page2", cursor)
}

func TestPopulateBackfillQueueEmptyPageStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"repos":[],"cursor":""}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	err := PopulateBackfillQueue(context.Background(), srv.Client(), store, srv.URL, zerolog.Nop())
	require.NoError(t, err)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
