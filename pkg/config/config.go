// Package config loads hushmesh configuration from YAML and HUSHMESH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baderanaas/hushmesh/pkg/broadcast"
	"github.com/baderanaas/hushmesh/pkg/channel"
	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/mesh"
	"github.com/baderanaas/hushmesh/pkg/scanner"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Network   NetworkConfig   `mapstructure:"network"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type NodeConfig struct {
	// Name is the sender name carried inside every message.
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"data_dir"`
	// TTL is the hop budget given to messages sent from this node.
	TTL uint8 `mapstructure:"ttl"`
}

type NetworkConfig struct {
	// Name selects the keyring entry used to derive the message key.
	Name   string `mapstructure:"name"`
	Cipher string `mapstructure:"cipher"`
}

type MeshConfig struct {
	Mode           string        `mapstructure:"mode"`
	MaxTTL         uint8         `mapstructure:"max_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
	PayloadTTL     time.Duration `mapstructure:"payload_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	Workers        int           `mapstructure:"workers"`
	RebroadcastMin time.Duration `mapstructure:"rebroadcast_min"`
	RebroadcastMax time.Duration `mapstructure:"rebroadcast_max"`
	RelayOpaque    bool          `mapstructure:"relay_opaque"`
	FragmentSize   int           `mapstructure:"fragment_size"`
}

type ChannelConfig struct {
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	ContentionPenalty time.Duration `mapstructure:"contention_penalty"`
	MTU               int           `mapstructure:"mtu"`
	ResponseIdle      time.Duration `mapstructure:"response_idle"`
	Pacing            time.Duration `mapstructure:"pacing"`
}

type ScannerConfig struct {
	ThrottleWindow    time.Duration `mapstructure:"throttle_window"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout"`
}

type BroadcastConfig struct {
	Dwell         time.Duration `mapstructure:"dwell"`
	FragmentDwell time.Duration `mapstructure:"fragment_dwell"`
}

type RadioConfig struct {
	// Listen holds libp2p listen multiaddrs.
	Listen []string `mapstructure:"listen"`
	// Peers are multiaddrs dialled at start-up.
	Peers []string `mapstructure:"peers"`
	MDNS  bool     `mapstructure:"mdns"`
	DHT   bool     `mapstructure:"dht"`
	// MaxFrame is the largest broadcast frame accepted.
	MaxFrame int `mapstructure:"max_frame"`
}

type LogConfig struct {
	Level       string         `mapstructure:"level"`
	Format      string         `mapstructure:"format"`
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
}

func Default() *Config {
	m := mesh.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			Name:    "anonymous",
			DataDir: defaultDataDir(),
			TTL:     3,
		},
		Network: NetworkConfig{
			Name:   "public",
			Cipher: string(crypto.SuiteAESGCM),
		},
		Mesh: MeshConfig{
			Mode:           string(m.Mode),
			MaxTTL:         m.MaxTTL,
			CacheSize:      m.CacheSize,
			PayloadTTL:     m.PayloadTTL,
			SweepInterval:  m.SweepInterval,
			Workers:        m.Workers,
			RebroadcastMin: m.RebroadcastMin,
			RebroadcastMax: m.RebroadcastMax,
			RelayOpaque:    m.RelayOpaque,
			FragmentSize:   m.FragmentSize,
		},
		Channel: ChannelConfig{
			FetchTimeout:      m.Client.FetchTimeout,
			MaxRetries:        m.Client.MaxRetries,
			RetryBase:         m.Client.RetryBase,
			ContentionPenalty: m.Client.ContentionPenalty,
			MTU:               m.Client.MTU,
			ResponseIdle:      m.Client.ResponseIdle,
			Pacing:            m.Server.Pacing,
		},
		Scanner: ScannerConfig{
			ThrottleWindow:    m.Scanner.ThrottleWindow,
			ReassemblyTimeout: m.Scanner.ReassemblyTimeout,
		},
		Broadcast: BroadcastConfig{
			Dwell:         m.Broadcast.Dwell,
			FragmentDwell: m.Broadcast.FragmentDwell,
		},
		Radio: RadioConfig{
			Listen:   []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
			MDNS:     true,
			MaxFrame: 27,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "hushmesh.log",
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 14,
				Compress:   true,
			},
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".hushmesh")
	}
	return ".hushmesh"
}

// Load reads path (or hushmesh.yaml from the usual places when empty) on
// top of Default. HUSHMESH_MESH_MODE=fragment overrides mesh.mode.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUSHMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("HUSHMESH_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hushmesh")
		v.AddConfigPath(".")
		v.AddConfigPath(cfg.Node.DataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every key so environment-only overrides resolve.
func seedDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"node.name":                  c.Node.Name,
		"node.data_dir":              c.Node.DataDir,
		"node.ttl":                   c.Node.TTL,
		"network.name":               c.Network.Name,
		"network.cipher":             c.Network.Cipher,
		"mesh.mode":                  c.Mesh.Mode,
		"mesh.max_ttl":               c.Mesh.MaxTTL,
		"mesh.cache_size":            c.Mesh.CacheSize,
		"mesh.payload_ttl":           c.Mesh.PayloadTTL,
		"mesh.sweep_interval":        c.Mesh.SweepInterval,
		"mesh.workers":               c.Mesh.Workers,
		"mesh.rebroadcast_min":       c.Mesh.RebroadcastMin,
		"mesh.rebroadcast_max":       c.Mesh.RebroadcastMax,
		"mesh.relay_opaque":          c.Mesh.RelayOpaque,
		"mesh.fragment_size":         c.Mesh.FragmentSize,
		"channel.fetch_timeout":      c.Channel.FetchTimeout,
		"channel.max_retries":        c.Channel.MaxRetries,
		"channel.retry_base":         c.Channel.RetryBase,
		"channel.contention_penalty": c.Channel.ContentionPenalty,
		"channel.mtu":                c.Channel.MTU,
		"channel.response_idle":      c.Channel.ResponseIdle,
		"channel.pacing":             c.Channel.Pacing,
		"scanner.throttle_window":    c.Scanner.ThrottleWindow,
		"scanner.reassembly_timeout": c.Scanner.ReassemblyTimeout,
		"broadcast.dwell":            c.Broadcast.Dwell,
		"broadcast.fragment_dwell":   c.Broadcast.FragmentDwell,
		"radio.listen":               c.Radio.Listen,
		"radio.peers":                c.Radio.Peers,
		"radio.mdns":                 c.Radio.MDNS,
		"radio.dht":                  c.Radio.DHT,
		"radio.max_frame":            c.Radio.MaxFrame,
		"log.level":                  c.Log.Level,
		"log.format":                 c.Log.Format,
		"log.outputs":                c.Log.Outputs,
		"log.development":            c.Log.Development,
		"log.rotation.enable":        c.Log.Rotation.Enable,
		"log.rotation.filename":      c.Log.Rotation.Filename,
		"log.rotation.max_size_mb":   c.Log.Rotation.MaxSizeMB,
		"log.rotation.max_backups":   c.Log.Rotation.MaxBackups,
		"log.rotation.max_age_days":  c.Log.Rotation.MaxAgeDays,
		"log.rotation.compress":      c.Log.Rotation.Compress,
		"metrics.listen":             c.Metrics.Listen,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate rejects settings the mesh cannot run with and fills blanks.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	switch mesh.Mode(c.Mesh.Mode) {
	case mesh.ModePull, mesh.ModeFragment:
	default:
		return fmt.Errorf("invalid mesh.mode: %q", c.Mesh.Mode)
	}
	switch crypto.Suite(c.Network.Cipher) {
	case crypto.SuiteAESGCM, crypto.SuiteChaCha20:
	default:
		return fmt.Errorf("invalid network.cipher: %q", c.Network.Cipher)
	}
	if c.Mesh.CacheSize < 1 {
		return fmt.Errorf("mesh.cache_size must be positive, got %d", c.Mesh.CacheSize)
	}
	if c.Mesh.Workers < 1 {
		return fmt.Errorf("mesh.workers must be positive, got %d", c.Mesh.Workers)
	}
	if c.Mesh.RebroadcastMin > c.Mesh.RebroadcastMax {
		return fmt.Errorf("mesh.rebroadcast_min %s exceeds rebroadcast_max %s", c.Mesh.RebroadcastMin, c.Mesh.RebroadcastMax)
	}
	if c.Mesh.FragmentSize < 1 {
		return fmt.Errorf("mesh.fragment_size must be at least 1, got %d", c.Mesh.FragmentSize)
	}
	if c.Mesh.PayloadTTL <= 0 || c.Mesh.SweepInterval <= 0 {
		return errors.New("mesh.payload_ttl and mesh.sweep_interval must be positive")
	}
	if c.Channel.MTU <= 3 {
		return fmt.Errorf("channel.mtu too small: %d", c.Channel.MTU)
	}
	if c.Channel.FetchTimeout <= 0 {
		return errors.New("channel.fetch_timeout must be positive")
	}
	if c.Node.TTL > c.Mesh.MaxTTL {
		c.Node.TTL = c.Mesh.MaxTTL
	}
	if strings.TrimSpace(c.Node.Name) == "" {
		c.Node.Name = "anonymous"
	}
	return nil
}

// MeshConfig converts the mesh, channel, scanner and broadcast sections into
// the coordinator's configuration.
func (c *Config) MeshConfig() mesh.Config {
	return mesh.Config{
		Mode:           mesh.Mode(c.Mesh.Mode),
		MaxTTL:         c.Mesh.MaxTTL,
		CacheSize:      c.Mesh.CacheSize,
		PayloadTTL:     c.Mesh.PayloadTTL,
		SweepInterval:  c.Mesh.SweepInterval,
		Workers:        c.Mesh.Workers,
		RebroadcastMin: c.Mesh.RebroadcastMin,
		RebroadcastMax: c.Mesh.RebroadcastMax,
		RelayOpaque:    c.Mesh.RelayOpaque,
		FragmentSize:   c.Mesh.FragmentSize,
		Broadcast: broadcast.Config{
			Dwell:         c.Broadcast.Dwell,
			FragmentDwell: c.Broadcast.FragmentDwell,
		},
		Scanner: scanner.Config{
			ThrottleWindow:    c.Scanner.ThrottleWindow,
			ReassemblyTimeout: c.Scanner.ReassemblyTimeout,
		},
		Client: channel.ClientConfig{
			FetchTimeout:      c.Channel.FetchTimeout,
			MaxRetries:        c.Channel.MaxRetries,
			RetryBase:         c.Channel.RetryBase,
			ContentionPenalty: c.Channel.ContentionPenalty,
			MTU:               c.Channel.MTU,
			ResponseIdle:      c.Channel.ResponseIdle,
		},
		Server: channel.ServerConfig{Pacing: c.Channel.Pacing},
	}
}
