// Package config handles loading and validating the pipeline's
// configuration from a JSON file, overridable by the WINTERGREEN_CONFIG
// environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all pipeline configuration. The file is read once at
// startup; changes require a restart.
type Config struct {
	// RelayHosts are the firehose upstreams, e.g. "bsky.network". One
	// ingester task runs per host.
	RelayHosts []string `json:"relayHosts"`

	// LabelerHosts are the moderation-label upstreams. One label
	// ingester task runs per host.
	LabelerHosts []string `json:"labelerHosts"`

	// QueuePath is the bbolt database file backing the durable queue
	// layer.
	QueuePath string `json:"queuePath"`

	// DBConn is the PostgreSQL host:port (e.g., "localhost:5432").
	DBConn string `json:"dbConn"`
	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`
	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`
	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// BackfillerWorkers is the size of the backfiller's semaphore gate
	// (default 2).
	BackfillerWorkers int `json:"backfillerWorkers,omitempty"`
	// IndexerWorkers is the number of goroutines draining each of the
	// three indexer-consumed queues (default 4).
	IndexerWorkers int `json:"indexerWorkers,omitempty"`

	// HighWaterMark is the queue depth at which producers pause
	// (default 100000).
	HighWaterMark int `json:"highWaterMark,omitempty"`
	// RetryCap is the number of retries before a job dead-letters
	// (default 3).
	RetryCap int `json:"retryCap,omitempty"`

	// HTTPTimeout bounds CAR fetch and identity-resolution requests
	// (default 60s).
	HTTPTimeout time.Duration `json:"httpTimeout,omitempty"`

	// ListenAddr is the admin/metrics HTTP listen address (default
	// ":3000").
	ListenAddr string `json:"listenAddr,omitempty"`
	// AdminKey is a shared secret for authenticating the admin API.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// IdentityResolverEndpoint is the PLC directory base URL used to
	// resolve did:plc identities (default "https://plc.directory").
	IdentityResolverEndpoint string `json:"identityResolverEndpoint,omitempty"`
}

// Load reads and parses configuration from the given file path, or
// from the path in WINTERGREEN_CONFIG if set and path is empty. It
// returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("WINTERGREEN_CONFIG")
	}
	if path == "" {
		path = "wintergreen.json"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.BackfillerWorkers == 0 {
		c.BackfillerWorkers = 2
	}
	if c.IndexerWorkers == 0 {
		c.IndexerWorkers = 4
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 100_000
	}
	if c.RetryCap == 0 {
		c.RetryCap = 3
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 60 * time.Second
	}
	if c.IdentityResolverEndpoint == "" {
		c.IdentityResolverEndpoint = "https://plc.directory"
	}
	if c.QueuePath == "" {
		c.QueuePath = "wintergreen-queue.db"
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case len(c.RelayHosts) == 0:
		return fmt.Errorf("config: relayHosts is required")
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config
// fields. The password is URL-encoded to handle special characters.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=disable",
		url.UserPassword(c.DBUser, c.DBPass).String(),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
