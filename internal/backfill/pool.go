// Package backfill implements the repo backfiller: a semaphore-gated
// worker pool that drains repo_backfill, resolves each DID to its PDS,
// fetches and verifies the full repository, and fans its records out
// onto firehose_backfill for the indexer.
package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/identity"
	"github.com/blacksky-algorithms/wintergreen/internal/ingest"
	"github.com/blacksky-algorithms/wintergreen/internal/metrics"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/repo"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// allowedCollectionPrefixes limits backfill to collections the
// indexer actually understands, matching the original backfiller's
// app.bsky./chat.bsky. filter.
var allowedCollectionPrefixes = []string{"app.bsky.", "chat.bsky."}

// Config holds the backfiller's tunables.
type Config struct {
	Workers       int
	BatchSize     int
	HighWaterMark int
	RetryCap      int
	Timeout       time.Duration
}

// Manager runs the backfiller's main loop.
type Manager struct {
	cfg      Config
	store    *queue.Store
	resolver *identity.Resolver
	client   *http.Client
	sem      *semaphore.Weighted
	log      zerolog.Logger
}

// NewManager builds a backfill Manager.
func NewManager(cfg Config, store *queue.Store, resolver *identity.Resolver, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.Timeout},
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		log:      log.With().Str("component", "backfiller").Logger(),
	}
}

// Run drives the backfiller until ctx is cancelled. An empty queue is
// polled with exponential backoff capped at 5s; a queue at or above
// the high water mark pauses intake entirely for a second at a time.
func (m *Manager) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.updateQueueDepthMetrics()

		paused, err := m.checkBackpressure(ctx)
		if err != nil {
			return err
		}
		if paused {
			continue
		}

		batch, err := m.dequeueBatch()
		if err != nil {
			return fmt.Errorf("backfill: dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		m.runBatch(ctx, batch)
	}
}

type queuedJob struct {
	ID  uint64
	Job types.BackfillJob
}

func (m *Manager) updateQueueDepthMetrics() {
	if n, err := m.store.Len(queue.StreamRepoBackfill); err == nil {
		metrics.BackfillerReposWaiting.Set(float64(n))
		metrics.QueueDepth.WithLabelValues(queue.StreamRepoBackfill).Set(float64(n))
	}
}

// checkBackpressure pauses intake when firehose_backfill (the
// indexer's input) is at or above the configured high water mark.
func (m *Manager) checkBackpressure(ctx context.Context) (bool, error) {
	n, err := m.store.Len(queue.StreamFirehoseBackfill)
	if err != nil {
		return false, fmt.Errorf("backfill: check output depth: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(queue.StreamFirehoseBackfill).Set(float64(n))

	if n < m.cfg.HighWaterMark {
		return false, nil
	}

	m.log.Warn().Int("depth", n).Int("high_water_mark", m.cfg.HighWaterMark).Msg("backpressure: pausing backfill intake")
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(time.Second):
	}
	return true, nil
}

func (m *Manager) dequeueBatch() ([]queuedJob, error) {
	batch := make([]queuedJob, 0, m.cfg.BatchSize)
	for i := 0; i < m.cfg.BatchSize; i++ {
		msg, ok, err := m.store.Dequeue(queue.StreamRepoBackfill)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		var job types.BackfillJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			m.log.Error().Err(err).Uint64("id", msg.ID).Msg("malformed backfill job, dropping")
			if rmErr := m.store.Remove(queue.StreamRepoBackfill, msg.ID); rmErr != nil {
				m.log.Error().Err(rmErr).Msg("failed to remove malformed backfill job")
			}
			continue
		}
		batch = append(batch, queuedJob{ID: msg.ID, Job: job})
	}
	return batch, nil
}

// runBatch processes every job in batch concurrently, bounded by the
// semaphore, and applies each result (remove, retry, or dead-letter)
// as it completes.
func (m *Manager) runBatch(ctx context.Context, batch []queuedJob) {
	results := make(chan struct {
		job queuedJob
		err error
	}, len(batch))

	for _, qj := range batch {
		qj := qj
		if err := m.sem.Acquire(ctx, 1); err != nil {
			results <- struct {
				job queuedJob
				err error
			}{qj, ctx.Err()}
			continue
		}
		go func() {
			defer m.sem.Release(1)
			err := m.processJob(ctx, qj.Job)
			results <- struct {
				job queuedJob
				err error
			}{qj, err}
		}()
	}

	for range batch {
		r := <-results
		m.handleResult(r.job, r.err)
	}
}

func (m *Manager) handleResult(qj queuedJob, err error) {
	if err == nil {
		if rmErr := m.store.Remove(queue.StreamRepoBackfill, qj.ID); rmErr != nil {
			m.log.Error().Err(rmErr).Msg("failed to remove completed backfill job")
		}
		return
	}

	m.log.Error().Err(err).Str("did", qj.Job.DID).Msg("backfill job failed")
	metrics.BackfillerReposFailedTotal.Inc()

	qj.Job.RetryCount++
	retryable := !errors.Is(err, errs.ErrVerification) && !errors.Is(err, errs.ErrCarParse)
	if retryable && qj.Job.RetryCount < m.cfg.RetryCap {
		metrics.BackfillerRetriesAttemptedTotal.Inc()
		if rmErr := m.store.Remove(queue.StreamRepoBackfill, qj.ID); rmErr != nil {
			m.log.Error().Err(rmErr).Msg("failed to remove backfill job before retry")
			return
		}
		payload, encErr := json.Marshal(qj.Job)
		if encErr != nil {
			m.log.Error().Err(encErr).Msg("failed to encode retried backfill job")
			return
		}
		if _, err := m.store.Enqueue(queue.StreamRepoBackfill, payload); err != nil {
			m.log.Error().Err(err).Msg("failed to re-enqueue backfill job")
		}
		return
	}

	m.log.Error().Str("did", qj.Job.DID).Msg("backfill job not retryable or over retry cap, dead-lettering")
	metrics.BackfillerReposDeadLetteredTotal.Inc()
	if rmErr := m.store.Remove(queue.StreamRepoBackfill, qj.ID); rmErr != nil {
		m.log.Error().Err(rmErr).Msg("failed to remove dead-lettered backfill job")
	}
}

// processJob resolves job.DID, fetches its repository in full, and
// fans every app.bsky./chat.bsky. record out onto firehose_backfill.
func (m *Manager) processJob(ctx context.Context, job types.BackfillJob) error {
	metrics.BackfillerReposRunning.Inc()
	defer metrics.BackfillerReposRunning.Dec()

	did := job.DID

	doc, err := m.resolver.ResolveDID(ctx, did)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", errs.ErrIdentity, did, err)
	}
	pdsEndpoint, ok := identity.PDSEndpoint(doc)
	if !ok {
		return fmt.Errorf("%w: no pds endpoint in did document for %s", errs.ErrIdentity, did)
	}

	carURL := strings.TrimRight(pdsEndpoint, "/") + "/xrpc/com.atproto.sync.getRepo?did=" + did
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, carURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errs.ErrFetch, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		metrics.BackfillerCarFetchErrorsTotal.Inc()
		return fmt.Errorf("%w: fetch repo for %s: %v", errs.ErrFetch, did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.BackfillerCarFetchErrorsTotal.Inc()
		return fmt.Errorf("%w: fetch repo for %s: status %d", errs.ErrFetch, did, resp.StatusCode)
	}

	carBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.BackfillerCarFetchErrorsTotal.Inc()
		return fmt.Errorf("%w: read repo body for %s: %v", errs.ErrFetch, did, err)
	}

	bs, rootCID, err := repo.LoadCAR(bytes.NewReader(carBytes))
	if err != nil {
		metrics.BackfillerCarParseErrorsTotal.Inc()
		return fmt.Errorf("%w: %v", errs.ErrCarParse, err)
	}

	signingKeyStr, ok := identity.SigningKey(doc)
	if !ok {
		metrics.BackfillerVerificationErrorsTotal.Inc()
		return fmt.Errorf("%w: no atproto signing key in did document for %s", errs.ErrVerification, did)
	}
	pubKey, err := repo.ParsePublicKey(signingKeyStr)
	if err != nil {
		metrics.BackfillerVerificationErrorsTotal.Inc()
		return fmt.Errorf("%w: parse signing key for %s: %v", errs.ErrVerification, did, err)
	}

	r, err := repo.Open(ctx, bs, rootCID, pubKey)
	if err != nil {
		metrics.BackfillerVerificationErrorsTotal.Inc()
		return fmt.Errorf("%w: open repo for %s: %v", errs.ErrVerification, did, err)
	}
	if r.DID != did {
		metrics.BackfillerVerificationErrorsTotal.Inc()
		return fmt.Errorf("%w: did mismatch: expected %s, got %s", errs.ErrVerification, did, r.DID)
	}

	records, err := r.Walk()
	if err != nil {
		metrics.BackfillerVerificationErrorsTotal.Inc()
		return fmt.Errorf("%w: walk repo for %s: %v", errs.ErrVerification, did, err)
	}

	now := time.Now()
	for _, rec := range records {
		if !isAllowedCollection(rec.Collection) {
			continue
		}

		raw, err := r.Block(ctx, rec.CID)
		if err != nil {
			m.log.Warn().Err(err).Str("did", did).Str("path", rec.Collection+"/"+rec.Rkey).Msg("missing record block, skipping")
			continue
		}

		if computed, err := repo.ComputeCID(raw); err != nil || !computed.Equals(rec.CID) {
			metrics.BackfillerVerificationErrorsTotal.Inc()
			m.log.Warn().Err(err).Str("did", did).Str("path", rec.Collection+"/"+rec.Rkey).Str("claimed_cid", rec.CID.String()).Msg("record block does not match claimed cid, skipping")
			continue
		}

		value, err := repo.ConvertRecordToIPLD(raw)
		if err != nil {
			m.log.Warn().Err(err).Str("did", did).Str("path", rec.Collection+"/"+rec.Rkey).Msg("record decode failed, skipping")
			continue
		}
		metrics.BackfillerRecordsExtractedTotal.Inc()

		job := types.IndexJob{
			URI:       "at://" + did + "/" + rec.Collection + "/" + rec.Rkey,
			CID:       rec.CID.String(),
			Action:    "create",
			Record:    value,
			IndexedAt: now,
			Rev:       r.Commit.Rev,
			Seq:       -1,
		}

		payload, err := ingest.EncodeIndexJob(&job)
		if err != nil {
			return fmt.Errorf("backfill: encode index job: %w", err)
		}
		if _, err := m.store.Enqueue(queue.StreamFirehoseBackfill, payload); err != nil {
			return fmt.Errorf("%w: enqueue index job: %v", errs.ErrDBTransient, err)
		}
	}

	metrics.BackfillerReposProcessedTotal.Inc()
	return nil
}

func isAllowedCollection(collection string) bool {
	for _, prefix := range allowedCollectionPrefixes {
		if strings.HasPrefix(collection, prefix) {
			return true
		}
	}
	return false
}
