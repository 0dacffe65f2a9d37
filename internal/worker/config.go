package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the overflow drain worker.
type Config struct {
	// Concurrency is the number of goroutines claiming and posting items.
	// Default: 2
	Concurrency int

	// PollInterval is how often each goroutine claims a new batch.
	// Default: 30 seconds
	PollInterval time.Duration

	// BatchSize is the most items one goroutine claims per poll.
	// Default: 20
	BatchSize int

	// MaxAttempts is how many failed posts an item gets before it is marked failed.
	// Default: 5
	MaxAttempts int

	// Lease is how long a claimed item is hidden from other workers. It must
	// outlast a full batch of posts, otherwise an item can be posted twice.
	// Default: 2 minutes
	Lease time.Duration

	// PostTimeout bounds a single Poster call.
	// Default: 15 seconds
	PostTimeout time.Duration

	// BaseBackoff is the delay after the first failed attempt; it doubles per
	// attempt up to MaxBackoff.
	// Defaults: 30 seconds, 1 hour
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ShutdownTimeout is how long Stop waits for in-flight posts.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		PollInterval:    30 * time.Second,
		BatchSize:       20,
		MaxAttempts:     5,
		Lease:           2 * time.Minute,
		PostTimeout:     15 * time.Second,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      time.Hour,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("concurrency too high (max 100), got %d", c.Concurrency)
	}
	if c.PollInterval < 1*time.Second {
		return fmt.Errorf("poll interval must be at least 1 second, got %v", c.PollInterval)
	}
	if c.BatchSize < 1 || c.BatchSize > 500 {
		return fmt.Errorf("batch size must be between 1 and 500, got %d", c.BatchSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.PostTimeout < 1*time.Second {
		return fmt.Errorf("post timeout must be at least 1 second, got %v", c.PostTimeout)
	}
	if c.Lease <= c.PostTimeout {
		return fmt.Errorf("lease (%v) must be longer than post timeout (%v)", c.Lease, c.PostTimeout)
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("backoff must satisfy 0 < base (%v) <= max (%v)", c.BaseBackoff, c.MaxBackoff)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	return nil
}

// backoff returns the hold after a failure, given attempts already made.
func (c Config) backoff(attempts int) time.Duration {
	d := c.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}
