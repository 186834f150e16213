package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/errs"
	"github.com/blacksky-algorithms/wintergreen/internal/metrics"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
	"github.com/blacksky-algorithms/wintergreen/internal/wire"
)

// RunFirehose dials relayHost's subscribeRepos endpoint and forwards
// every decoded commit onto firehose_live, resuming from the last
// checkpointed seq on reconnect. It only returns when ctx is
// cancelled; transient connection failures are retried with
// exponential backoff rather than propagated to the caller.
func RunFirehose(ctx context.Context, store *queue.Store, relayHost string, log zerolog.Logger) error {
	log = log.With().Str("relay", relayHost).Logger()
	cursorKey := "firehose:" + relayHost

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := connectAndStream(ctx, store, relayHost, cursorKey, log)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("firehose connection lost, reconnecting")
		metrics.IngesterReconnectsTotal.WithLabelValues(relayHost).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func connectAndStream(ctx context.Context, store *queue.Store, relayHost, cursorKey string, log zerolog.Logger) error {
	dialURL, err := subscribeURL(relayHost, "com.atproto.sync.subscribeRepos", cursorKey, store)
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

	log.Info().Str("url", dialURL).Msg("firehose connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", errs.ErrTransport, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		event, _, recognized, err := wire.ParseFrame(data)
		if err != nil {
			metrics.IngesterParseErrorsTotal.WithLabelValues(relayHost).Inc()
			log.Warn().Err(err).Msg("malformed firehose frame, skipping")
			continue
		}
		if !recognized || event == nil {
			metrics.IngesterFramesSkippedTotal.WithLabelValues(relayHost).Inc()
			continue
		}
		metrics.IngesterFramesReceivedTotal.WithLabelValues(relayHost).Inc()

		if err := store.WriteEvent(event.Seq, data); err != nil {
			return fmt.Errorf("%w: write event: %v", errs.ErrDBTransient, err)
		}
		payload, err := encodeFirehoseEvent(event)
		if err != nil {
			log.Warn().Err(err).Int64("seq", event.Seq).Msg("failed to encode event for queue, skipping")
			continue
		}
		if _, err := store.Enqueue(queue.StreamFirehoseLive, payload); err != nil {
			return fmt.Errorf("%w: enqueue: %v", errs.ErrDBTransient, err)
		}
		if err := store.SetCursor(cursorKey, event.Seq); err != nil {
			return fmt.Errorf("%w: checkpoint cursor: %v", errs.ErrDBTransient, err)
		}
	}
}

// subscribeURL builds a wss:// URL for the given XRPC subscription
// method, resuming from the last checkpointed cursor for cursorKey if
// one exists.
func subscribeURL(relayHost, method, cursorKey string, store *queue.Store) (string, error) {
	host := relayHost
	scheme := "wss"
	if strings.HasPrefix(host, "http://") {
		scheme = "ws"
		host = strings.TrimPrefix(host, "http://")
	} else if strings.HasPrefix(host, "https://") {
		host = strings.TrimPrefix(host, "https://")
	}
	host = strings.TrimSuffix(host, "/")

	u := url.URL{Scheme: scheme, Host: host, Path: "/xrpc/" + method}

	seq, ok, err := store.GetCursor(cursorKey)
	if err != nil {
		return "", fmt.Errorf("%w: load cursor: %v", errs.ErrDBTransient, err)
	}
	if ok {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
