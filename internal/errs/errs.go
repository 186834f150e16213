// Package errs defines the error taxonomy shared by every stage. Stages
// classify failures against these sentinels (via errors.Is) to decide
// whether to retry, dead-letter, skip, or treat the failure as fatal.
package errs

import "errors"

// Sentinel errors, one per row of the error taxonomy. Each stage wraps
// the underlying cause with fmt.Errorf("...: %w", Err*) so errors.Is
// still matches through the wrap chain.
var (
	// ErrTransport covers WebSocket dial/read failures. Retried by
	// reconnecting with backoff; never dead-lettered (there is no job).
	ErrTransport = errors.New("transport error")

	// ErrParseFrame covers malformed top-level CBOR framing. The frame
	// is skipped; the connection continues; the source cursor still
	// advances past it.
	ErrParseFrame = errors.New("frame parse error")

	// ErrParseRecord covers a single record body that fails to decode.
	// The op is skipped; the frame and job are otherwise unaffected.
	ErrParseRecord = errors.New("record parse error")

	// ErrIdentity covers DID resolution failure. Retried up to the
	// configured cap, then the backfill job is dead-lettered.
	ErrIdentity = errors.New("identity resolution error")

	// ErrFetch covers a non-2xx or transport failure fetching a repo
	// CAR. Retried up to the configured cap, then dead-lettered.
	ErrFetch = errors.New("car fetch error")

	// ErrCarParse covers a CAR archive that fails to parse. Not
	// retried; the job dead-letters immediately.
	ErrCarParse = errors.New("car parse error")

	// ErrVerification covers a commit whose DID doesn't match the
	// request or whose signature doesn't verify. Not retried; the job
	// always dead-letters.
	ErrVerification = errors.New("commit verification error")

	// ErrInvalidUri covers a record URI that doesn't parse into
	// (did, collection, rkey). The job is dead-lettered.
	ErrInvalidUri = errors.New("invalid at-uri")

	// ErrDBTransient covers a recoverable database error (connection
	// reset, deadlock). Retried up to the configured cap.
	ErrDBTransient = errors.New("transient database error")

	// ErrDBSchema covers a database error that indicates the schema
	// itself is wrong (missing table/column). Not retried; fatal for
	// the process.
	ErrDBSchema = errors.New("database schema error")
)

// Retryable reports whether a stage should re-enqueue a job that failed
// with this error, rather than dead-lettering or treating it as fatal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrIdentity), errors.Is(err, ErrFetch), errors.Is(err, ErrDBTransient):
		return true
	default:
		return false
	}
}

// Fatal reports whether this error should terminate the process rather
// than being absorbed by the stage.
func Fatal(err error) bool {
	return errors.Is(err, ErrDBSchema)
}
