package repo

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/stretchr/testify/require"
)

func TestParsePublicKeyAcceptsBareMultibase(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	multibase := priv.Public().Multibase()

	pub, err := ParsePublicKey(multibase)
	require.NoError(t, err)
	require.Equal(t, multibase, pub.Multibase())
}

func TestParsePublicKeyAcceptsDIDKeyPrefixed(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	multibase := priv.Public().Multibase()

	pub, err := ParsePublicKey("did:key:" + multibase)
	require.NoError(t, err)
	require.Equal(t, multibase, pub.Multibase())
}

func TestVerifyCommitSignatureRoundTrips(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	commit := &indigorepo.Commit{DID: "did:plc:abc123", Rev: "rev1"}
	require.NoError(t, commit.Sign(priv))

	require.NoError(t, VerifyCommitSignature(commit, priv.Public()))
}

func TestVerifyCommitSignatureRejectsTamperedCommit(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	commit := &indigorepo.Commit{DID: "did:plc:abc123", Rev: "rev1"}
	require.NoError(t, commit.Sign(priv))
	commit.Rev = "rev2"

	require.Error(t, VerifyCommitSignature(commit, priv.Public()))
}

func TestVerifyCommitSignatureRejectsWrongKey(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	other, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	commit := &indigorepo.Commit{DID: "did:plc:abc123", Rev: "rev1"}
	require.NoError(t, commit.Sign(priv))

	require.Error(t, VerifyCommitSignature(commit, other.Public()))
}
