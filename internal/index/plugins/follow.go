package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Follow implements app.bsky.graph.follow: insert the row, upsert
// both sides' profile_agg counters (subject's followers_count,
// creator's follows_count), and notify the subject.
type Follow struct{}

func NewFollow() *Follow { return &Follow{} }

func (f *Follow) Collection() string { return "app.bsky.graph.follow" }

func (f *Follow) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	subjectDID := str(record, "subject")
	if subjectDID == "" {
		return fmt.Errorf("follow %s: missing subject", uri)
	}
	createdAt := parseCreatedAt(record)
	var createdAtArg any
	if !createdAt.IsZero() {
		createdAtArg = createdAt
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO follow (uri, did, subject_did, created_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, subjectDID, createdAtArg, ts)
	if err != nil {
		return fmt.Errorf("insert follow %s: %w", uri, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if err := recomputeFollowCounts(ctx, tx, did, subjectDID); err != nil {
		return err
	}
	if subjectDID == did {
		return nil
	}
	return insertNotification(ctx, tx, subjectDID, "follow", "", did, uri, ts)
}

func (f *Follow) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return nil
}

func (f *Follow) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	var subjectDID string
	err := tx.QueryRow(ctx, `SELECT subject_did FROM follow WHERE uri = $1`, uri).Scan(&subjectDID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete follow %s: load subject: %w", uri, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notification WHERE reason = 'follow' AND record_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete follow %s: notification: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM follow WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete follow %s: %w", uri, err)
	}
	return recomputeFollowCounts(ctx, tx, did, subjectDID)
}

func recomputeFollowCounts(ctx context.Context, tx pgx.Tx, followerDID, subjectDID string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO profile_agg (did, follows_count) VALUES ($1, (SELECT COUNT(*) FROM follow WHERE did = $1))
		 ON CONFLICT (did) DO UPDATE SET follows_count = EXCLUDED.follows_count`,
		followerDID); err != nil {
		return fmt.Errorf("recompute follows_count for %s: %w", followerDID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO profile_agg (did, followers_count) VALUES ($1, (SELECT COUNT(*) FROM follow WHERE subject_did = $1))
		 ON CONFLICT (did) DO UPDATE SET followers_count = EXCLUDED.followers_count`,
		subjectDID); err != nil {
		return fmt.Errorf("recompute followers_count for %s: %w", subjectDID, err)
	}
	return nil
}

var _ index.RecordPlugin = (*Follow)(nil)
