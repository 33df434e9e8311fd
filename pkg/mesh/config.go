package mesh

import (
	"time"

	"github.com/baderanaas/hushmesh/pkg/broadcast"
	"github.com/baderanaas/hushmesh/pkg/channel"
	"github.com/baderanaas/hushmesh/pkg/scanner"
)

// Mode selects how payloads travel.
type Mode string

const (
	// ModePull broadcasts announcements and serves payloads over the
	// reliable channel.
	ModePull Mode = "pull"
	// ModeFragment broadcasts the whole record as fragments.
	ModeFragment Mode = "fragment"
)

type Config struct {
	Mode      Mode
	MaxTTL    uint8
	CacheSize int
	// PayloadTTL bounds how long ciphertexts and seen ids are kept.
	PayloadTTL    time.Duration
	SweepInterval time.Duration
	Workers       int
	// RebroadcastMin and RebroadcastMax bound the random relay delay.
	RebroadcastMin time.Duration
	RebroadcastMax time.Duration
	// RelayOpaque forwards ciphertext this node cannot decrypt.
	RelayOpaque bool
	// FragmentSize is the number of base64 bytes per fragment frame.
	FragmentSize int

	Broadcast broadcast.Config
	Scanner   scanner.Config
	Client    channel.ClientConfig
	Server    channel.ServerConfig
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModePull,
		MaxTTL:         7,
		CacheSize:      500,
		PayloadTTL:     10 * time.Minute,
		SweepInterval:  30 * time.Second,
		Workers:        8,
		RebroadcastMin: 50 * time.Millisecond,
		RebroadcastMax: 300 * time.Millisecond,
		RelayOpaque:    true,
		FragmentSize:   15,
		Broadcast:      broadcast.DefaultConfig(),
		Scanner:        scanner.DefaultConfig(),
		Client:         channel.DefaultClientConfig(),
		Server:         channel.DefaultServerConfig(),
	}
}
