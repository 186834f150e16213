package repo

import (
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
)

// MemBlockstore is an in-memory blockstore that implements the
// blockstore.Blockstore interface required by indigo's MST. Every
// repo this pipeline touches is materialized into one of these,
// either from a firehose commit's embedded CAR or from a full backfill
// fetch, then discarded once its records have been extracted.
type MemBlockstore struct {
	blocks map[string]blocks.Block
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Put stores a block.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	m.blocks[blk.Cid().KeyString()] = blk
	return nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// GetSize returns the size of a block.
func (m *MemBlockstore) GetSize(_ context.Context, c cid.Cid) (int, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return 0, &ipld.ErrNotFound{Cid: c}
	}
	return len(blk.RawData()), nil
}

// PutMany stores multiple blocks.
func (m *MemBlockstore) PutMany(_ context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		m.blocks[blk.Cid().KeyString()] = blk
	}
	return nil
}

// AllKeysChan returns a channel of all CIDs in the blockstore.
func (m *MemBlockstore) AllKeysChan(_ context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid, len(m.blocks))
	for _, blk := range m.blocks {
		ch <- blk.Cid()
	}
	close(ch)
	return ch, nil
}

// HashOnRead is a no-op (not needed for in-memory store).
func (m *MemBlockstore) HashOnRead(_ bool) {}

// DeleteBlock removes a block by CID.
func (m *MemBlockstore) DeleteBlock(_ context.Context, c cid.Cid) error {
	delete(m.blocks, c.KeyString())
	return nil
}

// Len reports the number of blocks currently held.
func (m *MemBlockstore) Len() int {
	return len(m.blocks)
}

// LoadCAR reads a CAR v1 archive (as embedded in a firehose commit
// frame, or fetched whole from com.atproto.sync.getRepo) into a fresh
// MemBlockstore and returns the archive's declared root CID. A
// truncated or otherwise malformed archive is a car-parse error: the
// caller dead-letters the job without touching the index.
func LoadCAR(r io.Reader) (*MemBlockstore, cid.Cid, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("blockstore: read car header: %w", err)
	}
	if len(cr.Header.Roots) == 0 {
		return nil, cid.Undef, fmt.Errorf("blockstore: car has no roots")
	}

	bs := NewMemBlockstore()
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cid.Undef, fmt.Errorf("blockstore: read car block: %w", err)
		}
		bs.blocks[blk.Cid().KeyString()] = blk
	}

	return bs, cr.Header.Roots[0], nil
}
