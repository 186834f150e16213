package index

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/ingest"
	"github.com/blacksky-algorithms/wintergreen/internal/metrics"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/repo"
	"github.com/blacksky-algorithms/wintergreen/internal/types"
)

// Worker drains the three downstream queues — firehose_live,
// firehose_backfill, label_live — applying each job through Service,
// LabelIndexer, and HandleIndexer. cmd/wintergreen starts
// IndexerWorkers of these per process; Workers do not coordinate
// partitioning.
type Worker struct {
	store    *queue.Store
	svc      *Service
	labels   *LabelIndexer
	handles  *HandleIndexer
	retryCap int
	log      zerolog.Logger

	retries map[uint64]int
}

// NewWorker builds an indexer Worker.
func NewWorker(store *queue.Store, svc *Service, labels *LabelIndexer, handles *HandleIndexer, retryCap int, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		svc:      svc,
		labels:   labels,
		handles:  handles,
		retryCap: retryCap,
		log:      log.With().Str("component", "indexer_worker").Logger(),
		retries:  make(map[uint64]int),
	}
}

// pollInterval is how long a worker sleeps after finding every stream
// empty before polling again.
const pollInterval = 500 * time.Millisecond

// Run drains all three streams round-robin until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		did1, err := w.drainOne(ctx, queue.StreamFirehoseLive, w.applyFirehoseMessage)
		if err != nil {
			return err
		}
		did2, err := w.drainOne(ctx, queue.StreamFirehoseBackfill, w.applyIndexJobMessage)
		if err != nil {
			return err
		}
		did3, err := w.drainOne(ctx, queue.StreamLabelLive, w.applyLabelMessage)
		if err != nil {
			return err
		}

		if !did1 && !did2 && !did3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
}

// drainOne dequeues and applies a single message from stream, if any
// is available. It reports whether a message was found, so the
// caller can decide whether to keep spinning or back off.
func (w *Worker) drainOne(ctx context.Context, stream string, apply func(context.Context, queue.Message) error) (bool, error) {
	msg, ok, err := w.store.Dequeue(stream)
	if err != nil {
		return false, fmt.Errorf("index: dequeue %s: %w", stream, err)
	}
	if !ok {
		return false, nil
	}

	if n, lerr := w.store.Len(stream); lerr == nil {
		metrics.QueueDepth.WithLabelValues(stream).Set(float64(n))
	}

	if err := apply(ctx, msg); err != nil {
		w.handleFailure(stream, msg, err)
		return true, nil
	}

	delete(w.retries, msg.ID)
	if rmErr := w.store.Remove(stream, msg.ID); rmErr != nil {
		w.log.Error().Err(rmErr).Str("stream", stream).Msg("failed to remove completed message")
	}
	return true, nil
}

func (w *Worker) handleFailure(stream string, msg queue.Message, err error) {
	w.log.Error().Err(err).Str("stream", stream).Uint64("id", msg.ID).Msg("index job failed")

	w.retries[msg.ID]++
	if w.retries[msg.ID] < w.retryCap {
		return
	}

	w.log.Error().Str("stream", stream).Uint64("id", msg.ID).Msg("index job exceeded retry cap, dead-lettering")
	delete(w.retries, msg.ID)
	if rmErr := w.store.Remove(stream, msg.ID); rmErr != nil {
		w.log.Error().Err(rmErr).Str("stream", stream).Msg("failed to remove dead-lettered message")
	}
}

// applyIndexJobMessage applies a message whose payload is already a
// decoded per-record IndexJob: every job the backfiller produces, one
// per repo record.
func (w *Worker) applyIndexJobMessage(ctx context.Context, msg queue.Message) error {
	job, err := ingest.DecodeIndexJob(msg.Payload)
	if err != nil {
		return err
	}
	if err := w.svc.ApplyJob(ctx, job); err != nil {
		metrics.IndexerJobsFailedTotal.WithLabelValues(collectionOf(job.URI)).Inc()
		return err
	}
	metrics.IndexerJobsProcessedTotal.WithLabelValues(collectionOf(job.URI)).Inc()

	if job.Seq >= 0 {
		if err := w.svc.SetCommitLastSeen(ctx, didFromURI(job.URI), job.Rev, job.Seq); err != nil {
			return err
		}
	}
	return nil
}

// applyFirehoseMessage applies a message whose payload is a raw
// FirehoseEvent as the ingester wrote it: a whole commit, carrying its
// own CAR blocks. It is expanded to one IndexJob per op before
// dispatch, since the generic record table and plugins operate per
// record, not per commit.
func (w *Worker) applyFirehoseMessage(ctx context.Context, msg queue.Message) error {
	ev, err := ingest.DecodeFirehoseEvent(msg.Payload)
	if err != nil {
		return err
	}
	if ev.Kind != "commit" {
		return nil
	}

	jobs, err := expandCommitEvent(ev)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := w.svc.ApplyJob(ctx, job); err != nil {
			metrics.IndexerJobsFailedTotal.WithLabelValues(collectionOf(job.URI)).Inc()
			return err
		}
		metrics.IndexerJobsProcessedTotal.WithLabelValues(collectionOf(job.URI)).Inc()
	}

	if err := w.handles.IndexHandle(ctx, ev.DID, ev.Time); err != nil {
		w.log.Warn().Err(err).Str("did", ev.DID).Msg("handle re-resolution failed, continuing")
	}
	return w.svc.SetCommitLastSeen(ctx, ev.DID, ev.Rev, ev.Seq)
}

func (w *Worker) applyLabelMessage(ctx context.Context, msg queue.Message) error {
	ev, err := ingest.DecodeLabelEvent(msg.Payload)
	if err != nil {
		return err
	}
	return w.labels.ApplyLabelEvent(ctx, ev)
}

// expandCommitEvent decodes ev's CAR blocks and builds one IndexJob
// per repo op, resolving create/update ops' record bytes out of the
// blockstore the commit carried with it.
func expandCommitEvent(ev *types.FirehoseEvent) ([]*types.IndexJob, error) {
	var bs *repo.MemBlockstore
	if len(ev.Blocks) > 0 {
		var err error
		bs, _, err = repo.LoadCAR(bytes.NewReader(ev.Blocks))
		if err != nil {
			return nil, fmt.Errorf("index: load commit blocks for %s: %w", ev.DID, err)
		}
	}

	jobs := make([]*types.IndexJob, 0, len(ev.Ops))
	for _, op := range ev.Ops {
		uri := "at://" + ev.DID + "/" + op.Path
		job := &types.IndexJob{
			URI:       uri,
			CID:       op.CID,
			Action:    op.Action,
			IndexedAt: time.Now(),
			Rev:       ev.Rev,
			Seq:       ev.Seq,
		}

		if op.Action != "delete" {
			if bs == nil || op.CID == "" {
				continue
			}
			recordCID, err := cid.Decode(op.CID)
			if err != nil {
				continue
			}
			blk, err := bs.Get(context.Background(), recordCID)
			if err != nil {
				continue
			}
			value, err := repo.ConvertRecordToIPLD(blk.RawData())
			if err != nil {
				continue
			}
			job.Record = value
		}

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// didFromURI extracts the did component of an at:// URI, used where a
// caller already knows the URI parsed successfully upstream.
func didFromURI(uri string) string {
	parsed, err := parseATURI(uri)
	if err != nil {
		return ""
	}
	return parsed.DID
}

// collectionOf extracts the collection component of an at:// URI for
// per-collection metrics labeling, falling back to "unknown" for a
// URI that fails to parse rather than dropping the metric entirely.
func collectionOf(uri string) string {
	parsed, err := parseATURI(uri)
	if err != nil {
		return "unknown"
	}
	return parsed.Collection
}
