package amqp

import (
	"fmt"
	"time"
)

// Config controls per-connection adapter behavior.
type Config struct {
	// CreditGrant is the credit issued to every receiving link.
	CreditGrant uint32
	// ReplenishRatio sets the refill point: a full grant is re-issued once the
	// remaining credit drops below CreditGrant*ReplenishRatio.
	ReplenishRatio float64
	// MaxPendingWrites is the number of unconfirmed transport writes after
	// which the connection waits for the transport before taking more input.
	// Zero disables the wait.
	MaxPendingWrites int
	// WriteDrainTimeout bounds every wait on unconfirmed writes.
	WriteDrainTimeout time.Duration
	// FeedTimeout bounds how long inbound bytes are retried while the engine
	// refuses them.
	FeedTimeout time.Duration
	// IdleTimeout is used by transports to detect silent peers.
	IdleTimeout time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		CreditGrant:       500,
		ReplenishRatio:    0.5,
		MaxPendingWrites:  10,
		WriteDrainTimeout: 5 * time.Second,
		FeedTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Validate checks the configuration for values the adapter cannot honor.
func (c Config) Validate() error {
	if c.CreditGrant == 0 {
		return fmt.Errorf("credit grant must be positive")
	}
	if c.ReplenishRatio <= 0 || c.ReplenishRatio > 1 {
		return fmt.Errorf("replenish ratio %v out of range (0,1]", c.ReplenishRatio)
	}
	if c.MaxPendingWrites < 0 {
		return fmt.Errorf("max pending writes must not be negative")
	}
	if c.WriteDrainTimeout <= 0 {
		return fmt.Errorf("write drain timeout must be positive")
	}
	if c.FeedTimeout <= 0 {
		return fmt.Errorf("feed timeout must be positive")
	}
	return nil
}

// replenishThreshold is the remaining credit below which a receiver re-grants.
func (c Config) replenishThreshold() uint32 {
	t := uint32(float64(c.CreditGrant) * c.ReplenishRatio)
	if t == 0 {
		t = 1
	}
	return t
}
