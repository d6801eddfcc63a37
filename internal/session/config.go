package session

import "time"

// Config holds the deadlines applied to one session.
type Config struct {
	// StartupTimeout bounds launch plus the ready handshake.
	StartupTimeout time.Duration

	// CallTimeout bounds every correlated request.
	CallTimeout time.Duration
}

// DefaultConfig returns the default session deadlines.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: DefaultStartupTimeout,
		CallTimeout:    DefaultCallTimeout,
	}
}

// withDefaults fills unset deadlines.
func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}
