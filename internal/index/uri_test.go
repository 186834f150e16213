package index

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/wintergreen/internal/errs"
)

func TestParseATURIValid(t *testing.T) {
	p, err := parseATURI("at://did:plc:abc123/app.bsky.feed.post/3jui7")
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc123", p.DID)
	require.Equal(t, "app.bsky.feed.post", p.Collection)
	require.Equal(t, "3jui7", p.Rkey)
}

func TestParseATURIMissingPrefix(t *testing.T) {
	_, err := parseATURI("did:plc:abc123/app.bsky.feed.post/3jui7")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidUri))
}

func TestParseATURIMissingComponents(t *testing.T) {
	cases := []string{
		"at://did:plc:abc123",
		"at://did:plc:abc123/app.bsky.feed.post",
		"at:///app.bsky.feed.post/3jui7",
		"at://did:plc:abc123//3jui7",
	}
	for _, uri := range cases {
		_, err := parseATURI(uri)
		require.Errorf(t, err, "expected error for %q", uri)
		require.Truef(t, errors.Is(err, errs.ErrInvalidUri), "expected ErrInvalidUri for %q", uri)
	}
}
