// Package config covers the environment and flag surface spec §6 names:
// registry endpoint, listen address, boot peers, replication factor,
// buffer caps, timeouts, log level, and the minimum-nodes gate.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/duskmesh/core/internal/chat"
	"github.com/duskmesh/core/internal/onion"
)

// Config is duskmesh's full runtime configuration.
type Config struct {
	RegistryEndpoint   string
	ListenAddress      string
	BootPeers          []string
	ReplicationFactor  int // r, spec §3: "5-10"
	LogBytesCap        int // B_bytes
	LogCountCap        int // B_count
	IdleTimeout        time.Duration // T_idle
	SetupTimeout       time.Duration // T_setup
	ForwardTimeout     time.Duration // T_fwd
	RegistryRefresh    time.Duration // T_registry
	LogLevel           string
	MinNodes           int // minimum registry size before the node serves traffic
	SendThreshold      uint8
}

// Default returns duskmesh's default configuration, matching the
// teacher's defaultConfig() pattern (constants first, overridable by
// flags/env in Load).
func Default() *Config {
	return &Config{
		RegistryEndpoint:  "http://127.0.0.1:8645/registry",
		ListenAddress:     "/ip4/0.0.0.0/tcp/0",
		ReplicationFactor: 5,
		LogBytesCap:       1 << 20,
		LogCountCap:       4096,
		IdleTimeout:       2 * time.Minute,
		SetupTimeout:      10 * time.Second,
		ForwardTimeout:    5 * time.Second,
		RegistryRefresh:   5 * time.Minute,
		LogLevel:          "info",
		MinNodes:          onion.HopCount,
		SendThreshold:     chat.DefaultSendThreshold,
	}
}

// ChatCaps adapts this config into chat.Caps.
func (c *Config) ChatCaps() chat.Caps {
	return chat.Caps{MaxBytes: c.LogBytesCap, MaxCount: c.LogCountCap}
}

// Load populates a Config from flags and environment variables, in the
// teacher's main.go style (flag defaults sourced from a base Config,
// environment variables as a fallback for unset flags).
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("duskmesh", flag.ContinueOnError)

	fs.StringVar(&cfg.RegistryEndpoint, "registry-endpoint", cfg.RegistryEndpoint, "identity/stake registry oracle URL")
	fs.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "libp2p listen multiaddr")
	var bootPeers string
	fs.StringVar(&bootPeers, "boot-peers", "", "comma-separated boot peer multiaddrs")
	fs.IntVar(&cfg.ReplicationFactor, "replication-factor", cfg.ReplicationFactor, "replication group size (r)")
	fs.IntVar(&cfg.LogBytesCap, "log-bytes-cap", cfg.LogBytesCap, "per-chat log byte cap (B_bytes)")
	fs.IntVar(&cfg.LogCountCap, "log-count-cap", cfg.LogCountCap, "per-chat log count cap (B_count)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "circuit idle timeout (T_idle)")
	fs.DurationVar(&cfg.SetupTimeout, "setup-timeout", cfg.SetupTimeout, "circuit setup timeout (T_setup)")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", cfg.ForwardTimeout, "relay forward timeout (T_fwd)")
	fs.DurationVar(&cfg.RegistryRefresh, "registry-refresh", cfg.RegistryRefresh, "registry snapshot refresh interval (T_registry)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MinNodes, "min-nodes", cfg.MinNodes, "minimum registry size before serving traffic")
	var sendThreshold int
	fs.IntVar(&sendThreshold, "send-threshold", int(cfg.SendThreshold), "max permission level allowed to SendMessage")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if v := os.Getenv("DUSKMESH_REGISTRY_ENDPOINT"); v != "" && !flagWasSet(fs, "registry-endpoint") {
		cfg.RegistryEndpoint = v
	}
	if v := os.Getenv("DUSKMESH_LISTEN"); v != "" && !flagWasSet(fs, "listen") {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("DUSKMESH_BOOT_PEERS"); v != "" && bootPeers == "" {
		bootPeers = v
	}
	if bootPeers != "" {
		cfg.BootPeers = strings.Split(bootPeers, ",")
	}
	if sendThreshold < 0 || sendThreshold > 255 {
		return nil, fmt.Errorf("config: send-threshold %d out of range [0,255]", sendThreshold)
	}
	cfg.SendThreshold = uint8(sendThreshold)

	if cfg.ReplicationFactor < 2 {
		return nil, fmt.Errorf("config: replication-factor must be >= 2, got %d", cfg.ReplicationFactor)
	}
	return cfg, nil
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
