package repo

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	"github.com/ipfs/go-cid"
)

// Repo is a read-only view of a fetched repository: its decoded
// commit and the MST rebuilt from the blocks a CAR archive carried.
// Nothing in this package ever mutates a tree or signs a commit; the
// pipeline only ever consumes repos that already exist elsewhere.
type Repo struct {
	DID    string
	Commit indigorepo.Commit
	tree   *mst.Tree
	bs     *MemBlockstore
}

// Record identifies one leaf of the MST: a collection/rkey pair and
// the CID of the record block stored under it.
type Record struct {
	Collection string
	Rkey       string
	CID        cid.Cid
}

// Open decodes the commit block at rootCID (a CAR archive's declared
// root) out of bs and rebuilds the MST it points to. If pubKey is
// non-nil, the commit's signature is verified against it first; a
// verification failure means the whole repo is rejected, never
// partially indexed.
func Open(ctx context.Context, bs *MemBlockstore, rootCID cid.Cid, pubKey atcrypto.PublicKey) (*Repo, error) {
	commitBlk, err := bs.Get(ctx, rootCID)
	if err != nil {
		return nil, fmt.Errorf("repo: get commit block: %w", err)
	}

	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, fmt.Errorf("repo: unmarshal commit: %w", err)
	}

	if pubKey != nil {
		if err := VerifyCommitSignature(&commit, pubKey); err != nil {
			return nil, err
		}
	}

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("repo: load mst: %w", err)
	}

	return &Repo{DID: commit.DID, Commit: commit, tree: tree, bs: bs}, nil
}

// Walk returns every record in the tree in left-to-right key order.
// AT Protocol MST keys are strictly increasing along any correct
// walk; a key that fails to increase signals either a malformed tree
// or a cycle introduced by an adversarial CAR, and is returned as an
// error rather than looping forever (the backfiller classifies it as
// a verification error).
func (r *Repo) Walk() ([]Record, error) {
	var out []Record
	var lastKey string
	first := true

	err := r.tree.Walk(func(key []byte, val cid.Cid) error {
		k := string(key)
		if !first && k <= lastKey {
			return fmt.Errorf("repo: mst walk order violation at %q (cycle or corrupt tree)", k)
		}
		first = false
		lastKey = k

		idx := strings.IndexByte(k, '/')
		if idx < 0 {
			return fmt.Errorf("repo: malformed mst key %q", k)
		}
		out = append(out, Record{Collection: k[:idx], Rkey: k[idx+1:], CID: val})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: walk mst: %w", err)
	}
	return out, nil
}

// Get returns the record at a specific collection/rkey path, or
// (cid.Undef, false) if it is not present.
func (r *Repo) Get(collection, rkey string) (cid.Cid, bool, error) {
	c, err := r.tree.Get([]byte(collection + "/" + rkey))
	if err != nil {
		return cid.Undef, false, fmt.Errorf("repo: mst get %s/%s: %w", collection, rkey, err)
	}
	if c == nil {
		return cid.Undef, false, nil
	}
	return *c, true, nil
}

// Block returns the raw DAG-CBOR bytes for a block CID, typically fed
// to DecodeRecord or ConvertRecordToIPLD.
func (r *Repo) Block(ctx context.Context, c cid.Cid) ([]byte, error) {
	blk, err := r.bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("repo: get block %s: %w", c, err)
	}
	return blk.RawData(), nil
}
