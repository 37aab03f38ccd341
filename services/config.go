package services

import (
	"fmt"
	"time"

	"github.com/dermesser/sessionrpc/codec"
	"github.com/dermesser/sessionrpc/metrics"
	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/routines"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the settings of a session. Zero fields of the optional collaborators (Codec,
// Clock, Scheduler) are replaced by defaults when a session is created.
type Config struct {
	// A heartbeat is sent every HeartbeatInterval. The session closes with ErrHeartbeatTimeout if
	// no frame arrived for HeartbeatTimeout.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// Applied to every SendRequest; 0 means no timeout besides the caller's context.
	RequestTimeout time.Duration
	// Bound for the authentication exchange.
	HandshakeTimeout time.Duration
	// How many timed out sequence numbers are remembered to discard their late responses.
	DiscardCacheSize int
	MaxFrameSize     int

	Codec     codec.Codec
	Clock     clock.Clock
	Scheduler *routines.Scheduler
	// Optional
	Metrics *metrics.Metrics
	// Optional; receives one line per request and response handled by this side.
	RequestLogger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		RequestTimeout:    10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		DiscardCacheSize:  4096,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		Codec:             codec.Default(),
		Clock:             clock.New(),
		Scheduler:         routines.Default(),
	}
}

func (c Config) Validate() error {
	var err error
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat interval must be positive, is %v", c.HeartbeatInterval))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		err = multierr.Append(err, fmt.Errorf("heartbeat timeout %v must be greater than the interval %v", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if c.RequestTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("negative request timeout %v", c.RequestTimeout))
	}
	if c.HandshakeTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("handshake timeout must be positive, is %v", c.HandshakeTimeout))
	}
	if c.DiscardCacheSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("discard cache size must be positive, is %d", c.DiscardCacheSize))
	}
	if c.MaxFrameSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("max frame size must be positive, is %d", c.MaxFrameSize))
	}
	return err
}

// WithDefaults fills in the optional collaborators that are unset.
func (c Config) WithDefaults() Config {
	if c.Codec == nil {
		c.Codec = codec.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = routines.Default()
	}
	return c
}
