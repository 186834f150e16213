package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Profile implements app.bsky.actor.profile: upserts profile_agg's
// display fields. Unlike Post, Update is meaningful here since a
// profile record is mutated in place rather than deleted and
// reinserted.
type Profile struct{}

func NewProfile() *Profile { return &Profile{} }

func (pr *Profile) Collection() string { return "app.bsky.actor.profile" }

func (pr *Profile) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return pr.upsert(ctx, tx, did, record)
}

func (pr *Profile) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return pr.upsert(ctx, tx, did, record)
}

func (pr *Profile) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	_, err := tx.Exec(ctx,
		`UPDATE profile_agg SET display_name = NULL, description = NULL WHERE did = $1`, did)
	if err != nil {
		return fmt.Errorf("clear profile %s: %w", did, err)
	}
	return nil
}

func (pr *Profile) upsert(ctx context.Context, tx pgx.Tx, did string, record map[string]any) error {
	displayName := nullIfEmpty(str(record, "displayName"))
	description := nullIfEmpty(str(record, "description"))

	_, err := tx.Exec(ctx,
		`INSERT INTO profile_agg (did, display_name, description) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET display_name = EXCLUDED.display_name, description = EXCLUDED.description`,
		did, displayName, description)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", did, err)
	}
	return nil
}

var _ index.RecordPlugin = (*Profile)(nil)
