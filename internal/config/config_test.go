package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body map[string]any) string {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wintergreen.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"relayHosts": []string{"bsky.network"},
		"dbConn":     "localhost:5432",
		"dbName":     "wintergreen",
		"dbUser":     "wintergreen",
		"dbPass":     "secret",
		"adminKey":   "adminsecret",
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.ListenAddr)
	require.Equal(t, 2, cfg.BackfillerWorkers)
	require.Equal(t, 4, cfg.IndexerWorkers)
	require.Equal(t, 100_000, cfg.HighWaterMark)
	require.Equal(t, 3, cfg.RetryCap)
	require.Equal(t, "https://plc.directory", cfg.IdentityResolverEndpoint)
	require.Equal(t, "wintergreen-queue.db", cfg.QueuePath)
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"relayHosts": []string{"bsky.network"},
	})

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}

func TestConnStringEscapesPassword(t *testing.T) {
	cfg := &Config{DBConn: "localhost:5432", DBName: "wintergreen", DBUser: "user", DBPass: "p@ss word"}
	conn := cfg.ConnString()
	require.Contains(t, conn, "p%40ss%20word")
}
