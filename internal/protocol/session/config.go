package session

import "time"

// BackoffConfig defines retry backoff behavior. A Multiplier of 1 with Jitter
// off yields a fixed interval.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff waits the same interval before every attempt.
func FixedBackoff(interval time.Duration) BackoffConfig {
	return BackoffConfig{
		InitialDelay: interval,
		Multiplier:   1.0,
		MaxDelay:     interval,
	}
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig holds certificate material for one side of the transport.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport defaults for form service connections.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// CallTimeout bounds one request/response exchange.
	CallTimeout  time.Duration
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		CallTimeout:    10 * time.Second,
		SecurityMode:   SecurityModeDevelopment,
	}
}

// WithDefaults fills zero durations and the security mode from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
