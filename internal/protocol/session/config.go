package session

import (
	"fmt"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryConfig bounds direct-message send attempts. MaxAttempts counts the
// first attempt.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// LoginTimeouts scales the authentication wait by mesh path length.
type LoginTimeouts struct {
	Base   time.Duration
	PerHop time.Duration
	Flood  time.Duration
}

// Config defines message/session reliability defaults.
type Config struct {
	CommandTimeout    time.Duration
	DefaultAckTimeout time.Duration
	AckGrace          time.Duration
	KeepAliveTimeout  time.Duration
	KeepAliveInterval time.Duration
	QueryTimeout      time.Duration
	SectionTimeout    time.Duration
	Retry             RetryConfig
	Login             LoginTimeouts
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout:    5 * time.Second,
		DefaultAckTimeout: 30 * time.Second,
		AckGrace:          2 * time.Second,
		KeepAliveTimeout:  20 * time.Second,
		KeepAliveInterval: 90 * time.Second,
		QueryTimeout:      15 * time.Second,
		SectionTimeout:    30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff: BackoffConfig{
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     5 * time.Second,
			},
		},
		Login: LoginTimeouts{
			Base:   5 * time.Second,
			PerHop: 10 * time.Second,
			Flood:  30 * time.Second,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.DefaultAckTimeout <= 0 {
		c.DefaultAckTimeout = d.DefaultAckTimeout
	}
	if c.AckGrace < 0 {
		c.AckGrace = 0
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.SectionTimeout <= 0 {
		c.SectionTimeout = d.SectionTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Backoff.InitialDelay < 0 {
		c.Retry.Backoff.InitialDelay = 0
	}
	if c.Login.Base <= 0 {
		c.Login.Base = d.Login.Base
	}
	if c.Login.PerHop < 0 {
		c.Login.PerHop = 0
	}
	if c.Login.Flood <= 0 {
		c.Login.Flood = d.Login.Flood
	}
	return c
}

func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("session: retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff.Multiplier != 0 && c.Retry.Backoff.Multiplier < 1 {
		return fmt.Errorf("session: backoff multiplier must be >= 1, got %v", c.Retry.Backoff.Multiplier)
	}
	if c.Retry.Backoff.MaxDelay > 0 && c.Retry.Backoff.MaxDelay < c.Retry.Backoff.InitialDelay {
		return fmt.Errorf("session: backoff max delay %s below initial delay %s", c.Retry.Backoff.MaxDelay, c.Retry.Backoff.InitialDelay)
	}
	return nil
}

// LoginTimeout returns how long to wait for a login result from a peer whose
// path length is pathLen (-1 = flood). A larger device-suggested timeout wins.
func LoginTimeout(cfg LoginTimeouts, pathLen int8, suggested time.Duration) time.Duration {
	var d time.Duration
	if pathLen < 0 {
		d = cfg.Flood
	} else {
		d = cfg.Base + time.Duration(pathLen)*cfg.PerHop
	}
	if suggested > d {
		d = suggested
	}
	return d
}
