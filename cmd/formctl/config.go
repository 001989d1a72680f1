package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/formlink/internal/caller"
	"github.com/danmuck/formlink/internal/formmgr"
	"github.com/danmuck/formlink/internal/protocol/session"
)

// formctl config.toml key mapping.
type fileConfig struct {
	ServiceID        string `toml:"service_id"`
	ServiceAddr      string `toml:"service_addr"`
	Token            string `toml:"token"`
	MaxRetryAttempts int    `toml:"max_retry_attempts"`
	RetryInterval    string `toml:"retry_interval"`
	CleanupDelay     string `toml:"cleanup_delay"`
	SecurityMode     string `toml:"security_mode"`
	TLSEnabled       bool   `toml:"tls_enabled"`
	TLSMutual        bool   `toml:"tls_mutual"`
	TLSCertFile      string `toml:"tls_cert_file"`
	TLSKeyFile       string `toml:"tls_key_file"`
	TLSCAFile        string `toml:"tls_ca_file"`
	TLSServerName    string `toml:"tls_server_name"`
}

type clientConfig struct {
	ServiceID        string
	ServiceAddr      string
	Token            string
	MaxRetryAttempts int
	RetryInterval    time.Duration
	CleanupDelay     time.Duration
	Session          session.Config
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		ServiceID:        formmgr.DefaultServiceID,
		ServiceAddr:      "127.0.0.1:7400",
		Token:            "formctl",
		MaxRetryAttempts: formmgr.DefaultMaxRetryAttempts,
		RetryInterval:    formmgr.DefaultRetryInterval,
		CleanupDelay:     caller.DefaultCleanupDelay,
		Session:          session.DefaultConfig(),
	}
}

func (c clientConfig) managerConfig() formmgr.Config {
	return formmgr.Config{
		ServiceID:        c.ServiceID,
		MaxRetryAttempts: c.MaxRetryAttempts,
		Retry:            session.FixedBackoff(c.RetryInterval),
	}
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load formctl config: %w", err)
	}

	if meta.IsDefined("service_id") {
		if v := strings.TrimSpace(raw.ServiceID); v != "" {
			cfg.ServiceID = v
		}
	}
	if meta.IsDefined("service_addr") {
		cfg.ServiceAddr = strings.TrimSpace(raw.ServiceAddr)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("max_retry_attempts") {
		if raw.MaxRetryAttempts <= 0 {
			return clientConfig{}, fmt.Errorf("max_retry_attempts must be positive, got %d", raw.MaxRetryAttempts)
		}
		cfg.MaxRetryAttempts = raw.MaxRetryAttempts
	}
	if meta.IsDefined("retry_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryInterval))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse retry_interval: %w", err)
		}
		cfg.RetryInterval = d
	}
	if meta.IsDefined("cleanup_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CleanupDelay))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse cleanup_delay: %w", err)
		}
		cfg.CleanupDelay = d
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}

	cfg.Session = cfg.Session.WithDefaults()
	if cfg.ServiceAddr == "" {
		return clientConfig{}, fmt.Errorf("service_addr is required")
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return clientConfig{}, fmt.Errorf("formctl transport invalid: %w", err)
	}
	return cfg, nil
}
