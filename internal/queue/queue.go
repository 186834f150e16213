// Package queue implements the durable queue layer: four independent
// append-only streams (firehose_live, firehose_backfill, repo_backfill,
// label_live), a cursor key-value store for external source offsets,
// and a content-addressed event log for historical replay.
//
// Backed by an embedded bbolt database so that, per the concurrency
// model, callers see atomic operations without the queue itself
// needing a network round trip: bbolt serializes all writes through a
// single writer transaction and readers see a consistent snapshot.
package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Stream names for the four logical queues.
const (
	StreamFirehoseLive      = "firehose_live"
	StreamFirehoseBackfill  = "firehose_backfill"
	StreamRepoBackfill      = "repo_backfill"
	StreamLabelLive         = "label_live"
	bucketCursors           = "cursors"
	bucketEvents            = "events"
	bucketPrefixQueueStream = "queue:"
)

// Store is a durable, crash-atomic queue layer over a single bbolt
// file. All four streams, the cursor store, and the event log share
// one underlying database; each operation commits in its own bbolt
// transaction.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// the bucket layout exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}

	streams := []string{StreamFirehoseLive, StreamFirehoseBackfill, StreamRepoBackfill, StreamLabelLive}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, s := range streams {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketPrefixQueueStream + s)); err != nil {
				return fmt.Errorf("create stream bucket %s: %w", s, err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketCursors)); err != nil {
			return fmt.Errorf("create cursors bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketEvents)); err != nil {
			return fmt.Errorf("create events bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: bootstrap %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue appends payload to stream and returns its monotonic id.
func (s *Store) Enqueue(stream string, payload []byte) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrefixQueueStream + stream))
		if b == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return b.Put(idKey(seq), payload)
	})
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue %s: %w", stream, err)
	}
	return id, nil
}

// Message is one queue entry returned by Dequeue.
type Message struct {
	ID      uint64
	Payload []byte
}

// Dequeue returns the head of stream without removing it. Repeated
// calls return the same head until Remove is called for that id. ok
// is false if the stream is empty.
func (s *Store) Dequeue(stream string) (msg Message, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrefixQueueStream + stream))
		if b == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		ok = true
		msg = Message{ID: binary.BigEndian.Uint64(k), Payload: append([]byte(nil), v...)}
		return nil
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: dequeue %s: %w", stream, err)
	}
	return msg, ok, nil
}

// Remove deletes an acknowledged message from stream.
func (s *Store) Remove(stream string, id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrefixQueueStream + stream))
		if b == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		return b.Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("queue: remove %s/%d: %w", stream, id, err)
	}
	return nil
}

// Len returns the current depth of stream, used both for the
// backpressure signal and for metrics gauges.
func (s *Store) Len(stream string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPrefixQueueStream + stream))
		if b == nil {
			return fmt.Errorf("unknown stream %q", stream)
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: len %s: %w", stream, err)
	}
	return n, nil
}

// SetCursor persists an external source offset under name (e.g.
// "firehose:bsky.network" or "labels:mod.bsky.network").
func (s *Store) SetCursor(name string, value int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCursors))
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(value))
		return b.Put([]byte(name), buf)
	})
	if err != nil {
		return fmt.Errorf("queue: set cursor %s: %w", name, err)
	}
	return nil
}

// GetCursor returns the persisted offset for name, or (0, false) if
// none has been set yet.
func (s *Store) GetCursor(name string) (value int64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCursors))
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		ok = true
		value = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("queue: get cursor %s: %w", name, err)
	}
	return value, ok, nil
}

// SetStringCursor persists an opaque pagination cursor (e.g. a
// listRepos page token, which is not always numeric) under name.
func (s *Store) SetStringCursor(name, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCursors))
		return b.Put([]byte(name), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("queue: set string cursor %s: %w", name, err)
	}
	return nil
}

// GetStringCursor returns the persisted opaque cursor for name, or
// ("", false) if none has been set yet.
func (s *Store) GetStringCursor(name string) (value string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCursors))
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		ok = true
		value = string(v)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("queue: get string cursor %s: %w", name, err)
	}
	return value, ok, nil
}

// WriteEvent stores blob under the content-addressed sequence number
// seq, for historical replay by consumers not using the queue
// abstraction (e.g. a future read-side query layer).
func (s *Store) WriteEvent(seq int64, blob []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.Put(idKey(uint64(seq)), blob)
	})
	if err != nil {
		return fmt.Errorf("queue: write event %d: %w", seq, err)
	}
	return nil
}

// ReadEvent returns the blob previously stored under seq.
func (s *Store) ReadEvent(seq int64) (blob []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		v := b.Get(idKey(uint64(seq)))
		if v == nil {
			return nil
		}
		ok = true
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("queue: read event %d: %w", seq, err)
	}
	return blob, ok, nil
}

func idKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
