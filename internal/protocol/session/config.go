package session

import (
	"time"

	"github.com/danmuck/remotesource/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session defaults for one communicator.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxConnectAttempts of 0 retries until the context ends.
	MaxConnectAttempts int
	Compression        string
	Limits             frame.Limits
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       15 * time.Second,
		MaxConnectAttempts: 5,
		Compression:        CompressionZstd,
		Limits:             frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}
