package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Like implements app.bsky.feed.like: insert the row, upsert the
// subject post's like_count, and notify the subject's author (unless
// self-like), following Post's count-aggregate-upsert pattern.
type Like struct{}

func NewLike() *Like { return &Like{} }

func (l *Like) Collection() string { return "app.bsky.feed.like" }

func (l *Like) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	subjectURI, subjectCID, ok := strongRef(record, "subject")
	if !ok {
		return fmt.Errorf("like %s: missing subject", uri)
	}
	createdAt := parseCreatedAt(record)
	var createdAtArg any
	if !createdAt.IsZero() {
		createdAtArg = createdAt
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO "like" (uri, did, subject_uri, subject_cid, created_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, subjectURI, subjectCID, createdAtArg, ts)
	if err != nil {
		return fmt.Errorf("insert like %s: %w", uri, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if err := recomputeLikeCount(ctx, tx, subjectURI); err != nil {
		return err
	}

	subjectDID := didFromURI(subjectURI)
	if subjectDID == "" || subjectDID == did {
		return nil
	}
	return insertNotification(ctx, tx, subjectDID, "like", subjectURI, did, uri, ts)
}

func (l *Like) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return nil
}

func (l *Like) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	var subjectURI string
	err := tx.QueryRow(ctx, `SELECT subject_uri FROM "like" WHERE uri = $1`, uri).Scan(&subjectURI)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete like %s: load subject: %w", uri, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notification WHERE reason = 'like' AND record_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete like %s: notification: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM "like" WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete like %s: %w", uri, err)
	}
	return recomputeLikeCount(ctx, tx, subjectURI)
}

func recomputeLikeCount(ctx context.Context, tx pgx.Tx, subjectURI string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO post_agg (uri, like_count) VALUES ($1, (SELECT COUNT(*) FROM "like" WHERE subject_uri = $1))
		 ON CONFLICT (uri) DO UPDATE SET like_count = EXCLUDED.like_count`,
		subjectURI)
	if err != nil {
		return fmt.Errorf("recompute like_count for %s: %w", subjectURI, err)
	}
	return nil
}

var _ index.RecordPlugin = (*Like)(nil)
