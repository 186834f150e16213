// Package types holds the shared data-transfer shapes that flow between
// the ingester, backfiller, queue layer, and indexer. None of these
// carry behavior; they are the wire between stages.
package types

import "time"

// RepoOp describes a single record mutation inside a commit, as named
// by a firehose op or synthesized by the backfiller's MST walk.
type RepoOp struct {
	Action string // "create", "update", or "delete"
	Path   string // collection/rkey
	CID    string // record CID, empty for delete
}

// FirehoseEvent is the decoded form of one #commit (or #identity /
// #account) frame off the subscribeRepos socket. Only Kind == "commit"
// carries Ops/Blocks; other kinds are counted and dropped by the
// ingester before reaching the queue.
type FirehoseEvent struct {
	Seq    int64
	DID    string
	Time   time.Time
	Kind   string // "commit", "identity", "account", ...
	Rev    string
	Ops    []RepoOp
	Blocks []byte // CAR archive, present only when Kind == "commit"
}

// IndexJob is a stage-two message: one per record operation, fanned out
// 1:N from a single firehose event or from one backfilled repo.
type IndexJob struct {
	URI       string
	CID       string
	Action    string // "create", "update", "delete"
	Record    map[string]any
	IndexedAt time.Time
	Rev       string
	Seq       int64 // -1 sentinel for backfill-originated jobs
}

// BackfillJob drives one full-repo fetch.
type BackfillJob struct {
	DID        string
	RetryCount int
	Priority   bool
}

// Label is a single moderation assertion: src asserts uri bears tag val
// at time cts. Cid is empty for URI-scoped labels (not record-scoped).
type Label struct {
	Src string
	URI string
	CID string
	Val string
	Cts time.Time
	Neg bool
}

// LabelEvent is one #labels frame: a batch of assertions sharing one
// sequence number.
type LabelEvent struct {
	Seq    int64
	Labels []Label
}
