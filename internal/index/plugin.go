package index

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// RecordPlugin is the per-collection contract for type-specific
// indexing. Each method is transactional within a single DB
// connection and must be idempotent: at-least-once delivery off the
// queue means insert/update/delete can all run more than once for
// the same record.
type RecordPlugin interface {
	// Collection returns the NSID this plugin handles, e.g.
	// "app.bsky.feed.post".
	Collection() string

	Insert(ctx context.Context, tx pgx.Tx, uri, did, recordCID string, record map[string]any, ts time.Time) error
	Update(ctx context.Context, tx pgx.Tx, uri, did, recordCID string, record map[string]any, ts time.Time) error
	Delete(ctx context.Context, tx pgx.Tx, uri, did string) error
}

// Registry maps a collection NSID to the plugin that handles it.
// Collections with no registered plugin are still stored in the
// generic record table; dispatch is a no-op for them.
type Registry struct {
	plugins map[string]RecordPlugin
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]RecordPlugin)}
}

// Register adds p to the registry, keyed by p.Collection(). A later
// call for the same collection replaces the earlier plugin.
func (r *Registry) Register(p RecordPlugin) {
	r.plugins[p.Collection()] = p
}

// Lookup returns the plugin for collection, if any.
func (r *Registry) Lookup(collection string) (RecordPlugin, bool) {
	p, ok := r.plugins[collection]
	return p, ok
}
