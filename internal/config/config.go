// Package config loads the signer node's configuration: required secrets and
// identity from the environment, optional operational knobs from a YAML
// overlay file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to start a signer node process.
type Config struct {
	// Required, environment-sourced.
	DBURL        string `yaml:"-"`
	NodeID       int    `yaml:"-"`
	LedgerRPCURL string `yaml:"-"`
	AtRestKey    string `yaml:"-"`

	// PeerDBURL is optional: set only on a process bootstrapping key
	// generation for both nodes at once (a combined/dev deployment). Most
	// deployments leave it unset, since the two nodes are separate
	// processes that never share a database connection.
	PeerDBURL string `yaml:"-"`

	// Optional operational overlay.
	Listen          string        `yaml:"listen"`
	LogLevel        string        `yaml:"log_level"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	BlockhashTTL    time.Duration `yaml:"blockhash_ttl"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
}

// Required environment variable names.
const (
	EnvDBURL        = "MPC_DB_URL"
	EnvNodeID       = "NODE_ID"
	EnvLedgerRPCURL = "LEDGER_RPC_URL"
	EnvAtRestKey    = "AT_REST_KEY"
	EnvPeerDBURL    = "PEER_DB_URL"
)

// DefaultOverlay returns the operational defaults used when no YAML overlay
// is present or a field is left unset.
func DefaultOverlay() Config {
	return Config{
		Listen:          ":8090",
		LogLevel:        "info",
		SessionTTL:      5 * time.Minute,
		SweepInterval:   30 * time.Second,
		BlockhashTTL:    2 * time.Second,
		RequestDeadline: 10 * time.Second,
	}
}

// Load builds a Config from the required environment variables and an
// optional YAML overlay file. overlayPath may be empty, in which case the
// defaults from DefaultOverlay are used unmodified.
func Load(overlayPath string) (*Config, error) {
	cfg := DefaultOverlay()

	if overlayPath != "" {
		if _, err := os.Stat(overlayPath); err == nil {
			data, err := os.ReadFile(overlayPath)
			if err != nil {
				return nil, fmt.Errorf("config: read overlay: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse overlay: %w", err)
			}
		}
	}

	dbURL := os.Getenv(EnvDBURL)
	if dbURL == "" {
		return nil, fmt.Errorf("config: %s is required", EnvDBURL)
	}
	cfg.DBURL = dbURL

	nodeIDStr := os.Getenv(EnvNodeID)
	nodeID, err := strconv.Atoi(nodeIDStr)
	if err != nil || (nodeID != 1 && nodeID != 2) {
		return nil, fmt.Errorf("config: %s must be 1 or 2, got %q", EnvNodeID, nodeIDStr)
	}
	cfg.NodeID = nodeID

	rpcURL := os.Getenv(EnvLedgerRPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("config: %s is required", EnvLedgerRPCURL)
	}
	cfg.LedgerRPCURL = rpcURL

	atRestKey := os.Getenv(EnvAtRestKey)
	if atRestKey == "" {
		return nil, fmt.Errorf("config: %s is required", EnvAtRestKey)
	}
	cfg.AtRestKey = atRestKey
	cfg.PeerDBURL = os.Getenv(EnvPeerDBURL)

	return &cfg, nil
}

// SaveOverlay writes the operational fields of cfg to path as a YAML
// overlay, for operators bootstrapping a fresh deployment.
func SaveOverlay(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create overlay dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal overlay: %w", err)
	}

	header := []byte("# signer node operational overlay\n# secrets come from the environment, not this file\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write overlay: %w", err)
	}
	return nil
}
