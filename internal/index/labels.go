package index

import (
	"context"
	"fmt"

	"github.com/blacksky-algorithms/wintergreen/internal/database"
	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// LabelIndexer applies decoded label events to the label table.
type LabelIndexer struct {
	db *database.DB
}

// NewLabelIndexer builds a LabelIndexer.
func NewLabelIndexer(db *database.DB) *LabelIndexer {
	return &LabelIndexer{db: db}
}

// ApplyLabelEvent upserts every label in ev keyed by (src, uri, cid,
// val); a newer cts for the same key replaces the older row.
func (li *LabelIndexer) ApplyLabelEvent(ctx context.Context, ev *types.LabelEvent) error {
	for _, l := range ev.Labels {
		_, err := li.db.Pool.Exec(ctx,
			`INSERT INTO label (src, uri, cid, val, cts, neg)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (src, uri, cid, val) DO UPDATE
			   SET cts = EXCLUDED.cts, neg = EXCLUDED.neg
			   WHERE label.cts < EXCLUDED.cts`,
			l.Src, l.URI, l.CID, l.Val, l.Cts, l.Neg)
		if err != nil {
			return fmt.Errorf("%w: upsert label %s/%s/%s: %v", errs.ErrDBTransient, l.Src, l.URI, l.Val, err)
		}
	}
	return nil
}
