package index

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/database"
	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/identity"
)

// handleStaleCheck and handleStaleNoCheck bound how long a resolved
// handle (or the absence of one) is trusted before index_handle
// re-resolves it.
const (
	handleStaleNoCheck = time.Hour
	handleStaleCheck   = 24 * time.Hour
)

// HandleIndexer revalidates actors' human-readable handles against
// their DID documents, enforcing the single-holder invariant on
// actor.handle.
type HandleIndexer struct {
	db       *database.DB
	resolver *identity.Resolver
	log      zerolog.Logger
}

// NewHandleIndexer builds a HandleIndexer.
func NewHandleIndexer(db *database.DB, resolver *identity.Resolver, log zerolog.Logger) *HandleIndexer {
	return &HandleIndexer{db: db, resolver: resolver, log: log.With().Str("component", "handle_indexer").Logger()}
}

// IndexHandle re-resolves did's handle if it is due for a check: no
// actor row yet, a null handle unchecked for over an hour, or any
// handle unchecked for over a day. A resolution is accepted only if
// the handle also resolves back to the same DID; on mismatch the
// handle is stored as null rather than left pointing at a DID it no
// longer answers for.
func (h *HandleIndexer) IndexHandle(ctx context.Context, did string, ts time.Time) error {
	checkedAt, _, hasHandle, exists, err := lastHandleCheck(ctx, h.db, did)
	if err != nil {
		return err
	}

	due := !exists ||
		(!hasHandle && ts.Sub(checkedAt) > handleStaleNoCheck) ||
		ts.Sub(checkedAt) > handleStaleCheck
	if !due {
		return nil
	}

	doc, err := h.resolver.ResolveDID(ctx, did)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIdentity, err)
	}

	handle, ok := identity.Handle(doc)
	if !ok {
		return h.storeHandle(ctx, did, "", ts)
	}

	resolvedDID, err := h.resolver.ResolveHandle(ctx, handle)
	if err != nil || resolvedDID != did {
		h.log.Warn().Str("did", did).Str("handle", handle).Err(err).Msg("handle did not resolve back to did, storing null")
		return h.storeHandle(ctx, did, "", ts)
	}

	return h.claimHandle(ctx, did, handle, ts)
}

// storeHandle upserts actor with handle (possibly empty, meaning
// null) and the current check time.
func (h *HandleIndexer) storeHandle(ctx context.Context, did, handle string, ts time.Time) error {
	var handleArg any
	if handle != "" {
		handleArg = handle
	}
	_, err := h.db.Pool.Exec(ctx,
		`INSERT INTO actor (did, handle, indexed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET handle = EXCLUDED.handle, indexed_at = EXCLUDED.indexed_at`,
		did, handleArg, ts)
	if err != nil {
		return fmt.Errorf("%w: store handle for %s: %v", errs.ErrDBTransient, did, err)
	}
	return nil
}

// claimHandle stores handle for did, first clearing it from any
// other actor row that currently holds it so the column stays a
// single-holder mapping.
func (h *HandleIndexer) claimHandle(ctx context.Context, did, handle string, ts time.Time) error {
	tx, err := h.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", errs.ErrDBTransient, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE actor SET handle = NULL WHERE handle = $1 AND did != $2`, handle, did); err != nil {
		return fmt.Errorf("%w: steal handle %s: %v", errs.ErrDBTransient, handle, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO actor (did, handle, indexed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET handle = EXCLUDED.handle, indexed_at = EXCLUDED.indexed_at`,
		did, handle, ts); err != nil {
		return fmt.Errorf("%w: claim handle %s for %s: %v", errs.ErrDBTransient, handle, did, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrDBTransient, err)
	}
	return nil
}
