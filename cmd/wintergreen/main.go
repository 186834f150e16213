// wintergreen is a firehose ingestion and indexing pipeline: it
// subscribes to one or more relay and labeler hosts, backfills new
// repos discovered via listRepos, and materializes every record into
// a PostgreSQL schema through a per-collection plugin registry.
//
// Usage:
//
//	./wintergreen                       # reads ./wintergreen.json
//	WINTERGREEN_CONFIG=prod.json ./wintergreen
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/admin"
	"github.com/blacksky-algorithms/wintergreen/internal/backfill"
	"github.com/blacksky-algorithms/wintergreen/internal/config"
	"github.com/blacksky-algorithms/wintergreen/internal/database"
	"github.com/blacksky-algorithms/wintergreen/internal/identity"
	"github.com/blacksky-algorithms/wintergreen/internal/index"
	"github.com/blacksky-algorithms/wintergreen/internal/index/plugins"
	"github.com/blacksky-algorithms/wintergreen/internal/ingest"
	"github.com/blacksky-algorithms/wintergreen/internal/logging"
	"github.com/blacksky-algorithms/wintergreen/internal/metrics"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/schema"
)

func main() {
	log := logging.New(os.Stderr, zerolog.InfoLevel)
	log.Info().Msg("wintergreen starting")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	if err := schema.Migrate(cfg.ConnString()); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	log.Info().Msg("schema migrated")

	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	store, err := queue.Open(cfg.QueuePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open queue store")
	}
	defer store.Close()

	metrics.Register(prometheus.DefaultRegisterer)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	resolver := identity.New(httpClient, cfg.IdentityResolverEndpoint)

	registry := index.NewRegistry()
	registry.Register(plugins.NewPost())
	registry.Register(plugins.NewLike())
	registry.Register(plugins.NewRepost())
	registry.Register(plugins.NewFollow())
	registry.Register(plugins.NewBlock())
	registry.Register(plugins.NewProfile())

	svc := index.NewService(db, registry, log)
	labelIndexer := index.NewLabelIndexer(db)
	handleIndexer := index.NewHandleIndexer(db, resolver, log)

	for _, host := range cfg.RelayHosts {
		host := host
		go func() {
			if err := ingest.RunFirehose(ctx, store, host, log); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("relay", host).Msg("firehose ingester exited")
			}
		}()
		go func() {
			if err := ingest.PopulateBackfillQueue(ctx, httpClient, store, host, log); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("relay", host).Msg("backfill queue population failed")
			}
		}()
	}
	for _, host := range cfg.LabelerHosts {
		host := host
		go func() {
			if err := ingest.RunLabelIngester(ctx, store, host, log); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("labeler", host).Msg("label ingester exited")
			}
		}()
	}

	backfillMgr := backfill.NewManager(backfill.Config{
		Workers:       cfg.BackfillerWorkers,
		BatchSize:     50,
		HighWaterMark: cfg.HighWaterMark,
		RetryCap:      cfg.RetryCap,
		Timeout:       cfg.HTTPTimeout,
	}, store, resolver, log)
	go func() {
		if err := backfillMgr.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("backfill manager exited")
		}
	}()

	for i := 0; i < cfg.IndexerWorkers; i++ {
		worker := index.NewWorker(store, svc, labelIndexer, handleIndexer, cfg.RetryCap, log)
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("indexer worker exited")
			}
		}()
	}

	relayHost := ""
	if len(cfg.RelayHosts) > 0 {
		relayHost = cfg.RelayHosts[0]
	}
	adminSrv := admin.New(admin.Config{ListenAddr: cfg.ListenAddr, AdminKey: cfg.AdminKey}, store, relayHost, log)
	if err := adminSrv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("admin server error")
	}

	log.Info().Msg("wintergreen stopped")
}
