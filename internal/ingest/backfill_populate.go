// Package ingest runs the three tasks that feed the durable queue
// layer from the outside world: the firehose commit stream, the
// moderation label stream, and listRepos-driven backfill queue
// population.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// repoRef is one entry of a com.atproto.sync.listRepos page.
type repoRef struct {
	DID string `json:"did"`
}

type listReposResponse struct {
	Repos  []repoRef `json:"repos"`
	Cursor string    `json:"cursor"`
}

// PopulateBackfillQueue walks relayHost's listRepos pages to
// completion, enqueueing a BackfillJob for every DID onto
// repo_backfill. Pagination state is checkpointed per page so a crash
// resumes instead of restarting the whole enumeration.
func PopulateBackfillQueue(ctx context.Context, client *http.Client, store *queue.Store, relayHost string, log zerolog.Logger) error {
	cursorKey := "backfill_enum:" + relayHost
	cursor, _, err := store.GetStringCursor(cursorKey)
	if err != nil {
		return fmt.Errorf("ingest: load backfill enum cursor: %w", err)
	}

	base := strings.TrimRight(relayHost, "/") + "/xrpc/com.atproto.sync.listRepos"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reqURL := base + "?limit=1000"
		if cursor != "" {
			reqURL += "&cursor=" + url.QueryEscape(cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("ingest: build listRepos request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("ingest: listRepos %s: %w", relayHost, err)
		}

		var page listReposResponse
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ingest: listRepos %s: status %d", relayHost, resp.StatusCode)
		}
		if decErr != nil {
			return fmt.Errorf("ingest: decode listRepos page: %w", decErr)
		}

		for _, r := range page.Repos {
			payload, err := json.Marshal(types.BackfillJob{DID: r.DID})
			if err != nil {
				return fmt.Errorf("ingest: encode backfill job for %s: %w", r.DID, err)
			}
			if _, err := store.Enqueue(queue.StreamRepoBackfill, payload); err != nil {
				return fmt.Errorf("ingest: enqueue backfill job for %s: %w", r.DID, err)
			}
		}

		log.Info().Str("relay", relayHost).Int("count", len(page.Repos)).Msg("backfill queue page populated")

		if page.Cursor == "" || len(page.Repos) == 0 {
			log.Info().Str("relay", relayHost).Msg("backfill queue population complete")
			return nil
		}

		cursor = page.Cursor
		if err := store.SetStringCursor(cursorKey, cursor); err != nil {
			return fmt.Errorf("ingest: checkpoint backfill enum cursor: %w", err)
		}
	}
}
