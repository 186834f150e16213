package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Repost implements app.bsky.feed.repost: insert the row, upsert the
// subject post's repost_count, and notify its author (unless
// self-repost).
type Repost struct{}

func NewRepost() *Repost { return &Repost{} }

func (r *Repost) Collection() string { return "app.bsky.feed.repost" }

func (r *Repost) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	subjectURI, subjectCID, ok := strongRef(record, "subject")
	if !ok {
		return fmt.Errorf("repost %s: missing subject", uri)
	}
	createdAt := parseCreatedAt(record)
	var createdAtArg any
	if !createdAt.IsZero() {
		createdAtArg = createdAt
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO repost (uri, did, subject_uri, subject_cid, created_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, subjectURI, subjectCID, createdAtArg, ts)
	if err != nil {
		return fmt.Errorf("insert repost %s: %w", uri, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if err := recomputeRepostCount(ctx, tx, subjectURI); err != nil {
		return err
	}

	subjectDID := didFromURI(subjectURI)
	if subjectDID == "" || subjectDID == did {
		return nil
	}
	return insertNotification(ctx, tx, subjectDID, "repost", subjectURI, did, uri, ts)
}

func (r *Repost) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return nil
}

func (r *Repost) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	var subjectURI string
	err := tx.QueryRow(ctx, `SELECT subject_uri FROM repost WHERE uri = $1`, uri).Scan(&subjectURI)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete repost %s: load subject: %w", uri, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notification WHERE reason = 'repost' AND record_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete repost %s: notification: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM repost WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete repost %s: %w", uri, err)
	}
	return recomputeRepostCount(ctx, tx, subjectURI)
}

func recomputeRepostCount(ctx context.Context, tx pgx.Tx, subjectURI string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO post_agg (uri, repost_count) VALUES ($1, (SELECT COUNT(*) FROM repost WHERE subject_uri = $1))
		 ON CONFLICT (uri) DO UPDATE SET repost_count = EXCLUDED.repost_count`,
		subjectURI)
	if err != nil {
		return fmt.Errorf("recompute repost_count for %s: %w", subjectURI, err)
	}
	return nil
}

var _ index.RecordPlugin = (*Repost)(nil)
