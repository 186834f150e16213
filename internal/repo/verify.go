package repo

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
)

// ParsePublicKey loads a did:key-encoded or bare-multibase-encoded
// public key, as published in a DID document's verificationMethod
// (publicKeyMultibase there carries the same multicodec-prefixed
// method-specific-id a did:key URI does, just without the "did:key:"
// scheme). The pipeline never holds a private key; it only ever
// checks signatures against keys published by the repos it consumes.
func ParsePublicKey(didKeyOrMultibase string) (atcrypto.PublicKey, error) {
	didKey := didKeyOrMultibase
	if !strings.HasPrefix(didKey, "did:key:") {
		didKey = "did:key:" + didKey
	}
	pub, err := atcrypto.ParsePublicDIDKey(didKey)
	if err != nil {
		return nil, fmt.Errorf("repo: parse public key: %w", err)
	}
	return pub, nil
}

// VerifyCommitSignature re-serializes commit with its signature
// cleared and checks that signature against pubKey. A failure here is
// a verification error: the repo is rejected wholesale, never
// partially indexed.
func VerifyCommitSignature(commit *indigorepo.Commit, pubKey atcrypto.PublicKey) error {
	sig := commit.Sig
	if len(sig) == 0 {
		return fmt.Errorf("repo: commit has no signature")
	}

	unsigned := *commit
	unsigned.Sig = nil

	buf := new(bytes.Buffer)
	if err := unsigned.MarshalCBOR(buf); err != nil {
		return fmt.Errorf("repo: marshal unsigned commit: %w", err)
	}

	if err := pubKey.HashAndVerify(buf.Bytes(), sig); err != nil {
		return fmt.Errorf("repo: signature verification failed: %w", err)
	}
	return nil
}
