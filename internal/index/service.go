package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/database"
	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// Service dispatches dequeued IndexJobs against the generic record
// table and, where one is registered, a per-collection plugin.
type Service struct {
	db       *database.DB
	registry *Registry
	log      zerolog.Logger
}

// NewService builds an indexing Service.
func NewService(db *database.DB, registry *Registry, log zerolog.Logger) *Service {
	return &Service{db: db, registry: registry, log: log.With().Str("component", "indexer").Logger()}
}

// ApplyJob is the per-job unit of work: parse the URI, upsert or
// tombstone the generic record row, then dispatch to a plugin if one
// is registered for the collection. The whole job runs inside one
// transaction so a plugin failure can't leave the generic row applied
// without its type-specific effects.
func (s *Service) ApplyJob(ctx context.Context, job *types.IndexJob) error {
	parsed, err := parseATURI(job.URI)
	if err != nil {
		return err
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", errs.ErrDBTransient, err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertRecord(ctx, tx, job, parsed); err != nil {
		return err
	}

	if plugin, ok := s.registry.Lookup(parsed.Collection); ok {
		if err := s.dispatchPlugin(ctx, tx, plugin, job, parsed); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrDBTransient, err)
	}
	return nil
}

func (s *Service) upsertRecord(ctx context.Context, tx pgx.Tx, job *types.IndexJob, parsed parsedURI) error {
	if job.Action == "delete" {
		_, err := tx.Exec(ctx,
			`INSERT INTO record (uri, did, collection, rkey, cid, record, indexed_at)
			 VALUES ($1, $2, $3, $4, '', '{}'::jsonb, $5)
			 ON CONFLICT (uri) DO UPDATE SET cid = '', record = '{}'::jsonb, indexed_at = EXCLUDED.indexed_at`,
			job.URI, parsed.DID, parsed.Collection, parsed.Rkey, job.IndexedAt)
		if err != nil {
			return fmt.Errorf("%w: tombstone record %s: %v", errs.ErrDBTransient, job.URI, err)
		}
		return nil
	}

	recordJSON, err := json.Marshal(job.Record)
	if err != nil {
		return fmt.Errorf("index: encode record %s: %w", job.URI, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO record (uri, did, collection, rkey, cid, record, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (uri) DO UPDATE SET cid = EXCLUDED.cid, record = EXCLUDED.record, indexed_at = EXCLUDED.indexed_at`,
		job.URI, parsed.DID, parsed.Collection, parsed.Rkey, job.CID, recordJSON, job.IndexedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert record %s: %v", errs.ErrDBTransient, job.URI, err)
	}
	return nil
}

func (s *Service) dispatchPlugin(ctx context.Context, tx pgx.Tx, plugin RecordPlugin, job *types.IndexJob, parsed parsedURI) error {
	var err error
	switch job.Action {
	case "create":
		err = plugin.Insert(ctx, tx, job.URI, parsed.DID, job.CID, job.Record, job.IndexedAt)
	case "update":
		err = plugin.Update(ctx, tx, job.URI, parsed.DID, job.CID, job.Record, job.IndexedAt)
	case "delete":
		err = plugin.Delete(ctx, tx, job.URI, parsed.DID)
	default:
		return fmt.Errorf("index: unknown action %q for %s", job.Action, job.URI)
	}
	if err != nil {
		return fmt.Errorf("index: plugin %s %s %s: %w", plugin.Collection(), job.Action, job.URI, err)
	}
	return nil
}

// SetCommitLastSeen upserts actor_sync, only advancing when rev is
// strictly greater than the stored value, so an out-of-order or
// duplicate commit delivery can't regress the per-account watermark.
func (s *Service) SetCommitLastSeen(ctx context.Context, did, rev string, seq int64) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO actor_sync (did, last_rev, last_seq, last_synced_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (did) DO UPDATE
		   SET last_rev = EXCLUDED.last_rev, last_seq = EXCLUDED.last_seq, last_synced_at = EXCLUDED.last_synced_at
		   WHERE actor_sync.last_rev < EXCLUDED.last_rev`,
		did, rev, seq)
	if err != nil {
		return fmt.Errorf("%w: set commit last seen for %s: %v", errs.ErrDBTransient, did, err)
	}
	return nil
}

// lastHandleCheck reports when did's handle was last (re)validated,
// and whether a row exists for it at all.
func lastHandleCheck(ctx context.Context, db *database.DB, did string) (checkedAt time.Time, handle string, hasHandle bool, exists bool, err error) {
	var h *string
	row := db.Pool.QueryRow(ctx, `SELECT handle, indexed_at FROM actor WHERE did = $1`, did)
	scanErr := row.Scan(&h, &checkedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return time.Time{}, "", false, false, nil
	}
	if scanErr != nil {
		return time.Time{}, "", false, false, fmt.Errorf("%w: load actor %s: %v", errs.ErrDBTransient, did, scanErr)
	}
	if h != nil {
		handle = *h
		hasHandle = true
	}
	return checkedAt, handle, hasHandle, true, nil
}
