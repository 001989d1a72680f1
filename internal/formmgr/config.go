package formmgr

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/formlink/internal/caller"
	"github.com/danmuck/formlink/internal/protocol/session"
)

const (
	DefaultServiceID        = "form.mgr"
	DefaultMaxRetryAttempts = 30
	DefaultRetryInterval    = time.Second
)

type Config struct {
	ServiceID        string
	MaxRetryAttempts int
	// Retry is the wait before each reconnect attempt.
	Retry session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ServiceID:        DefaultServiceID,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		Retry:            session.FixedBackoff(DefaultRetryInterval),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ServiceID == "" {
		c.ServiceID = def.ServiceID
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = def.Retry
	}
	return c
}

type Options struct {
	Config Config
	// Callers, when set, receives host caller removals and routes host and
	// provider calls.
	Callers *caller.Manager
	Clock   clock.Clock
}
