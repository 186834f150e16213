package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDIDPLC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/did:plc:abc123", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "did:plc:abc123",
			"alsoKnownAs": ["at://alice.bsky.social"],
			"service": [{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example.com"}]
		}`))
	}))
	defer srv.Close()

	r := New(srv.Client(), srv.URL)
	doc, err := r.ResolveDID(context.Background(), "did:plc:abc123")
	require.NoError(t, err)

	endpoint, ok := PDSEndpoint(doc)
	require.True(t, ok)
	require.Equal(t, "https://pds.example.com", endpoint)

	handle, ok := Handle(doc)
	require.True(t, ok)
	require.Equal(t, "alice.bsky.social", handle)
}

func TestResolveDIDUnsupportedMethod(t *testing.T) {
	r := New(nil, "https://plc.directory")
	_, err := r.ResolveDID(context.Background(), "did:key:zabc")
	require.Error(t, err)
}

func TestResolveDIDNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(srv.Client(), srv.URL)
	_, err := r.ResolveDID(context.Background(), "did:plc:missing")
	require.Error(t, err)
}

func TestPDSEndpointNotFound(t *testing.T) {
	doc := &Document{Service: []DocumentService{{ID: "#other", Type: "SomethingElse"}}}
	_, ok := PDSEndpoint(doc)
	require.False(t, ok)
}

func TestSigningKeyFindsAtprotoSuffix(t *testing.T) {
	doc := &Document{
		ID: "did:plc:abc123",
		VerificationMethod: []VerificationMethod{
			{ID: "did:plc:abc123#other", Type: "Multikey", PublicKeyMultibase: "zOther"},
			{ID: "did:plc:abc123#atproto", Type: "Multikey", PublicKeyMultibase: "zSigningKey"},
		},
	}

	key, ok := SigningKey(doc)
	require.True(t, ok)
	require.Equal(t, "zSigningKey", key)
}

func TestSigningKeyMissing(t *testing.T) {
	doc := &Document{ID: "did:plc:abc123"}
	_, ok := SigningKey(doc)
	require.False(t, ok)
}
