package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/metrics"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/wire"
)

// RunLabelIngester dials labelerHost's subscribeLabels endpoint and
// forwards every decoded label set onto label_live, resuming from the
// last checkpointed seq on reconnect. Mirrors RunFirehose's
// reconnect-with-backoff shape; label and commit streams are
// independent connections with independent cursors.
func RunLabelIngester(ctx context.Context, store *queue.Store, labelerHost string, log zerolog.Logger) error {
	log = log.With().Str("labeler", labelerHost).Logger()
	cursorKey := "labels:" + labelerHost

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := connectAndStreamLabels(ctx, store, labelerHost, cursorKey, log)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("label stream connection lost, reconnecting")
		metrics.IngesterReconnectsTotal.WithLabelValues(labelerHost).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func connectAndStreamLabels(ctx context.Context, store *queue.Store, labelerHost, cursorKey string, log zerolog.Logger) error {
	dialURL, err := subscribeURL(labelerHost, "com.atproto.label.subscribeLabels", cursorKey, store)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errs.ErrTransport, dialURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Info().Str("url", dialURL).Msg("label stream connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", errs.ErrTransport, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		_, labels, recognized, err := wire.ParseFrame(data)
		if err != nil {
			metrics.IngesterParseErrorsTotal.WithLabelValues(labelerHost).Inc()
			log.Warn().Err(err).Msg("malformed label frame, skipping")
			continue
		}
		if !recognized || labels == nil {
			metrics.IngesterFramesSkippedTotal.WithLabelValues(labelerHost).Inc()
			continue
		}
		metrics.IngesterFramesReceivedTotal.WithLabelValues(labelerHost).Inc()

		payload, err := encodeLabelEvent(labels)
		if err != nil {
			log.Warn().Err(err).Int64("seq", labels.Seq).Msg("failed to encode label event, skipping")
			continue
		}
		if _, err := store.Enqueue(queue.StreamLabelLive, payload); err != nil {
			return fmt.Errorf("%w: enqueue: %v", errs.ErrDBTransient, err)
		}
		if err := store.SetCursor(cursorKey, labels.Seq); err != nil {
			return fmt.Errorf("%w: checkpoint cursor: %v", errs.ErrDBTransient, err)
		}
	}
}
