package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Block implements app.bsky.graph.block: row insert/delete only. No
// aggregates and no notification — a block is a moderation action,
// not a user-visible engagement signal.
type Block struct{}

func NewBlock() *Block { return &Block{} }

func (b *Block) Collection() string { return "app.bsky.graph.block" }

func (b *Block) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	subjectDID := str(record, "subject")
	if subjectDID == "" {
		return fmt.Errorf("block %s: missing subject", uri)
	}
	createdAt := parseCreatedAt(record)
	var createdAtArg any
	if !createdAt.IsZero() {
		createdAtArg = createdAt
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO block (uri, did, subject_did, created_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, subjectDID, createdAtArg, ts)
	if err != nil {
		return fmt.Errorf("insert block %s: %w", uri, err)
	}
	return nil
}

func (b *Block) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return nil
}

func (b *Block) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	_, err := tx.Exec(ctx, `DELETE FROM block WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("delete block %s: %w", uri, err)
	}
	return nil
}

var _ index.RecordPlugin = (*Block)(nil)
