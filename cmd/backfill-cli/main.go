// backfill-cli is an operator tool for seeding the repo backfill
// queue directly, bypassing the daemon's startup listRepos
// enumeration: feed it an explicit DID list to prioritize, or point it
// at a relay to run the same enumeration the daemon runs at startup.
//
// Usage:
//
//	backfill-cli -queue wintergreen-queue.db -did did:plc:abc -did did:plc:def
//	backfill-cli -queue wintergreen-queue.db -relay https://bsky.network
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/ingest"
	"github.com/blacksky-algorithms/wintergreen/internal/logging"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// didList collects repeated -did flags into a []string.
type didList []string

func (d *didList) String() string     { return strings.Join(*d, ",") }
func (d *didList) Set(v string) error { *d = append(*d, v); return nil }

func main() {
	queuePath := flag.String("queue", "wintergreen-queue.db", "path to the queue store")
	relay := flag.String("relay", "", "relay host to enumerate via listRepos, instead of an explicit -did list")
	priority := flag.Bool("priority", false, "mark seeded jobs as priority")
	var dids didList
	flag.Var(&dids, "did", "DID to seed directly (repeatable)")
	flag.Parse()

	log := logging.New(os.Stderr, zerolog.InfoLevel)

	store, err := queue.Open(*queuePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open queue store")
	}
	defer store.Close()

	ctx := context.Background()

	if *relay != "" {
		client := &http.Client{Timeout: 60 * time.Second}
		if err := ingest.PopulateBackfillQueue(ctx, client, store, *relay, log); err != nil {
			log.Fatal().Err(err).Str("relay", *relay).Msg("listRepos enumeration failed")
		}
		log.Info().Str("relay", *relay).Msg("backfill queue populated from relay")
		return
	}

	if len(dids) == 0 {
		log.Fatal().Msg("either -relay or at least one -did is required")
	}

	for _, did := range dids {
		payload, err := json.Marshal(types.BackfillJob{DID: did, Priority: *priority})
		if err != nil {
			log.Fatal().Err(err).Str("did", did).Msg("failed to encode backfill job")
		}
		if _, err := store.Enqueue(queue.StreamRepoBackfill, payload); err != nil {
			log.Fatal().Err(err).Str("did", did).Msg("failed to enqueue backfill job")
		}
		log.Info().Str("did", did).Msg("seeded backfill job")
	}
}
