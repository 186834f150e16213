package backfill

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/wintergreen/internal/identity"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsAllowedCollection(t *testing.T) {
	require.True(t, isAllowedCollection("app.bsky.feed.post"))
	require.True(t, isAllowedCollection("chat.bsky.convo.log"))
	require.False(t, isAllowedCollection("com.atproto.lex.schema"))
	require.False(t, isAllowedCollection(""))
}

func newTestManager(t *testing.T, store *queue.Store, cfg Config) *Manager {
	t.Helper()
	resolver := identity.New(nil, "https://plc.directory")
	return NewManager(cfg, store, resolver, zerolog.Nop())
}

func TestDequeueBatchDropsMalformedJobs(t *testing.T) {
	store := openTestStore(t)
	m := newTestManager(t, store, Config{Workers: 2, BatchSize: 10, HighWaterMark: 1000, RetryCap: 3, Timeout: time.Second})

	_, err := store.Enqueue(queue.StreamRepoBackfill, []byte("not-json"))
	require.NoError(t, err)
	good, err := json.Marshal(types.BackfillJob{DID: "did:plc:abc"})
	require.NoError(t, err)
	_, err = store.Enqueue(queue.StreamRepoBackfill, good)
	require.NoError(t, err)

	batch, err := m.dequeueBatch()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "did:plc:abc", batch[0].Job.DID)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDequeueBatchRespectsBatchSize(t *testing.T) {
	store := openTestStore(t)
	m := newTestManager(t, store, Config{Workers: 2, BatchSize: 2, HighWaterMark: 1000, RetryCap: 3, Timeout: time.Second})

	for i := 0; i < 5; i++ {
		payload, err := json.Marshal(types.BackfillJob{DID: "did:plc:x"})
		require.NoError(t, err)
		_, err = store.Enqueue(queue.StreamRepoBackfill, payload)
		require.NoError(t, err)
	}

	batch, err := m.dequeueBatch()
	require.NoError(t, err)
	require.Len(t, batch, 2)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestHandleResultSuccessRemovesJob(t *testing.T) {
	store := openTestStore(t)
	m := newTestManager(t, store, Config{Workers: 2, BatchSize: 10, HighWaterMark: 1000, RetryCap: 3, Timeout: time.Second})

	payload, err := json.Marshal(types.BackfillJob{DID: "did:plc:abc"})
	require.NoError(t, err)
	id, err := store.Enqueue(queue.StreamRepoBackfill, payload)
	require.NoError(t, err)

	m.handleResult(queuedJob{ID: id, Job: types.BackfillJob{DID: "did:plc:abc"}}, nil)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandleResultRetriesUnderCap(t *testing.T) {
	store := openTestStore(t)
	m := newTestManager(t, store, Config{Workers: 2, BatchSize: 10, HighWaterMark: 1000, RetryCap: 3, Timeout: time.Second})

	payload, err := json.Marshal(types.BackfillJob{DID: "did:plc:abc", RetryCount: 0})
	require.NoError(t, err)
	id, err := store.Enqueue(queue.StreamRepoBackfill, payload)
	require.NoError(t, err)

	m.handleResult(queuedJob{ID: id, Job: types.BackfillJob{DID: "did:plc:abc", RetryCount: 0}}, errTest)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, ok, err := store.Dequeue(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	var job types.BackfillJob
	require.NoError(t, json.Unmarshal(msg.Payload, &job))
	require.Equal(t, 1, job.RetryCount)
}

func TestHandleResultDeadLettersAtCap(t *testing.T) {
	store := openTestStore(t)
	m := newTestManager(t, store, Config{Workers: 2, BatchSize: 10, HighWaterMark: 1000, RetryCap: 1, Timeout: time.Second})

	payload, err := json.Marshal(types.BackfillJob{DID: "did:plc:abc", RetryCount: 1})
	require.NoError(t, err)
	id, err := store.Enqueue(queue.StreamRepoBackfill, payload)
	require.NoError(t, err)

	m.handleResult(queuedJob{ID: id, Job: types.BackfillJob{DID: "did:plc:abc", RetryCount: 1}}, errTest)

	n, err := store.Len(queue.StreamRepoBackfill)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

var errTest = &testError{"simulated failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
