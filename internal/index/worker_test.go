package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

func TestExpandCommitEventDeleteOpsNeedNoBlocks(t *testing.T) {
	ev := &types.FirehoseEvent{
		Seq:  42,
		DID:  "did:plc:abc",
		Time: time.Now(),
		Kind: "commit",
		Rev:  "rev1",
		Ops: []types.RepoOp{
			{Action: "delete", Path: "app.bsky.feed.post/1"},
		},
	}

	jobs, err := expandCommitEvent(ev)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "at://did:plc:abc/app.bsky.feed.post/1", jobs[0].URI)
	require.Equal(t, "delete", jobs[0].Action)
	require.Nil(t, jobs[0].Record)
	require.Equal(t, int64(42), jobs[0].Seq)
	require.Equal(t, "rev1", jobs[0].Rev)
}

func TestExpandCommitEventCreateOpWithoutBlocksIsSkipped(t *testing.T) {
	ev := &types.FirehoseEvent{
		DID:  "did:plc:abc",
		Kind: "commit",
		Ops: []types.RepoOp{
			{Action: "create", Path: "app.bsky.feed.post/1", CID: "bafyreiabc"},
		},
	}

	jobs, err := expandCommitEvent(ev)
	require.NoError(t, err)
	require.Len(t, jobs, 0)
}

func TestDidFromURI(t *testing.T) {
	require.Equal(t, "did:plc:abc", didFromURI("at://did:plc:abc/app.bsky.feed.post/1"))
	require.Equal(t, "", didFromURI("not-a-uri"))
}

func TestCollectionOf(t *testing.T) {
	require.Equal(t, "app.bsky.feed.post", collectionOf("at://did:plc:abc/app.bsky.feed.post/1"))
	require.Equal(t, "unknown", collectionOf("not-a-uri"))
}
