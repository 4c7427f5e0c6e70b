// Package env loads process configuration from the environment.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the shared configuration for every binary. Values are
// per-process, not per-request.
type Config struct {
	// BindAddress is the host:port for the HTTP API.
	BindAddress string
	// DataDir holds db, backfill.db, live/ and compacted/.
	DataDir string
	// ZPLCServer is the base URL of the upstream DID registry.
	ZPLCServer string
	// PLCDirectory is the base URL used by backfill to fetch did:plc documents.
	PLCDirectory string
	// RelayHost is the firehose relay, host[:port].
	RelayHost string
	// RelayTLS selects wss:// over ws:// for the firehose connection.
	RelayTLS bool
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	cfg := Config{
		BindAddress:  getenv("BIND_ADDRESS", "127.0.0.1:3000"),
		DataDir:      getenv("DATA_DIR", "./data"),
		ZPLCServer:   getenv("ZPLC_URL", "http://127.0.0.1:2485"),
		PLCDirectory: getenv("PLC_DIRECTORY_URL", "http://127.0.0.1:2486"),
		RelayHost:    getenv("RELAY_HOST", "bsky.network"),
		RelayTLS:     true,
	}
	if v, ok := os.LookupEnv("RELAY_TLS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RelayTLS = b
		}
	}
	return cfg
}

// DBPath returns the path of the embedded relational store.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "db") }

// BackfillDBPath returns the path of the per-repo work queue store.
func (c Config) BackfillDBPath() string { return filepath.Join(c.DataDir, "backfill.db") }

// EnsureDataDir creates the data directory tree if missing.
func (c Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, filepath.Join(c.DataDir, "live"), filepath.Join(c.DataDir, "compacted")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
