package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueDequeueRemove(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Enqueue(StreamFirehoseLive, []byte("first"))
	require.NoError(t, err)
	id2, err := s.Enqueue(StreamFirehoseLive, []byte("second"))
	require.NoError(t, err)
	require.Less(t, id1, id2)

	n, err := s.Len(StreamFirehoseLive)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Dequeue is stable until Remove.
	msg, ok, err := s.Dequeue(StreamFirehoseLive)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id1, msg.ID)
	require.Equal(t, "first", string(msg.Payload))

	msg2, ok, err := s.Dequeue(StreamFirehoseLive)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg.ID, msg2.ID)

	require.NoError(t, s.Remove(StreamFirehoseLive, msg.ID))

	msg3, ok, err := s.Dequeue(StreamFirehoseLive)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id2, msg3.ID)
	require.Equal(t, "second", string(msg3.Payload))

	n, err = s.Len(StreamFirehoseLive)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDequeueEmptyStream(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Dequeue(StreamRepoBackfill)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetCursor("firehose:bsky.network")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetCursor("firehose:bsky.network", 500))
	v, ok, err := s.GetCursor("firehose:bsky.network")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 500, v)

	// Cursor survives reopen (simulates process restart).
	path := filepath.Join(t.TempDir(), "reopen.db")
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.SetCursor("firehose:bsky.network", 500))
	require.NoError(t, s2.Close())

	s3, err := Open(path)
	require.NoError(t, err)
	defer s3.Close()
	v, ok, err = s3.GetCursor("firehose:bsky.network")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 500, v)
}

func TestWriteReadEvent(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.ReadEvent(42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.WriteEvent(42, []byte("commit-bytes")))
	blob, ok, err := s.ReadEvent(42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "commit-bytes", string(blob))
}

func TestRetryReenqueuePreservesOtherMessages(t *testing.T) {
	s := openTestStore(t)

	idA, err := s.Enqueue(StreamRepoBackfill, []byte("did:plc:a"))
	require.NoError(t, err)
	idB, err := s.Enqueue(StreamRepoBackfill, []byte("did:plc:b"))
	require.NoError(t, err)

	// Simulate a retry: remove A, re-enqueue at the tail.
	require.NoError(t, s.Remove(StreamRepoBackfill, idA))
	idA2, err := s.Enqueue(StreamRepoBackfill, []byte("did:plc:a"))
	require.NoError(t, err)
	require.Greater(t, idA2, idB)

	// B's progress (still at head) is untouched by A's retry.
	msg, ok, err := s.Dequeue(StreamRepoBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idB, msg.ID)
}
