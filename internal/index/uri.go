package index

import (
	"fmt"
	"strings"

	"github.com/blacksky-algorithms/wintergreen/internal/errs"
)

// parsedURI is the (did, collection, rkey) decomposition of an
// at://did/collection/rkey record URI.
type parsedURI struct {
	DID        string
	Collection string
	Rkey       string
}

// parseATURI splits a record URI into its three components. Anything
// that doesn't match at://<did>/<collection>/<rkey> is rejected as
// ErrInvalidUri; the job that carried it is dead-lettered by the
// caller.
func parseATURI(uri string) (parsedURI, error) {
	const prefix = "at://"
	if !strings.HasPrefix(uri, prefix) {
		return parsedURI{}, fmt.Errorf("%w: %q missing at:// prefix", errs.ErrInvalidUri, uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return parsedURI{}, fmt.Errorf("%w: %q does not have did/collection/rkey shape", errs.ErrInvalidUri, uri)
	}
	return parsedURI{DID: parts[0], Collection: parts[1], Rkey: parts[2]}, nil
}
