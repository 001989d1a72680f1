package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/formlink/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultServiceName = "formsvcd"
	DefaultServiceID   = "form.mgr"
	DefaultAddr        = "127.0.0.1:7400"
	DefaultAdminAddr   = "127.0.0.1:7401"
)

// ServiceConfig is the formsvcd config file.
type ServiceConfig struct {
	Name        string          `toml:"name"`
	ServiceID   string          `toml:"service_id"`
	Addr        string          `toml:"addr"`
	AdminAddr   string          `toml:"admin_addr"`
	AdminToken  string          `toml:"admin_token"`
	CorsOrigins []string        `toml:"cors_origins"`
	Transport   TransportConfig `toml:"transport"`
}

type TransportConfig struct {
	SecurityMode   string `toml:"security_mode"`
	WriteTimeoutMS int64  `toml:"write_timeout_ms"`
	TLSEnabled     bool   `toml:"tls_enabled"`
	TLSMutual      bool   `toml:"tls_mutual"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	TLSCAFile      string `toml:"tls_ca_file"`
}

// SessionConfig maps the file transport section onto session.Config.
func (t TransportConfig) SessionConfig() session.Config {
	cfg := session.Config{
		SecurityMode: session.SecurityMode(strings.TrimSpace(t.SecurityMode)),
		TLS: session.TLSConfig{
			Enabled:  t.TLSEnabled,
			Mutual:   t.TLSMutual,
			CertFile: strings.TrimSpace(t.TLSCertFile),
			KeyFile:  strings.TrimSpace(t.TLSKeyFile),
			CAFile:   strings.TrimSpace(t.TLSCAFile),
		},
	}
	if t.WriteTimeoutMS > 0 {
		cfg.WriteTimeout = time.Duration(t.WriteTimeoutMS) * time.Millisecond
	}
	return cfg.WithDefaults()
}

func LoadServiceConfig(path string) (ServiceConfig, error) {
	var cfg ServiceConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServiceConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = DefaultServiceName
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = DefaultAdminAddr
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServiceConfig(cfg ServiceConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("service config missing name")
	}
	if strings.TrimSpace(cfg.ServiceID) == "" {
		return fmt.Errorf("service config missing service_id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("service config missing addr")
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("service config missing admin_addr")
	}
	if strings.TrimSpace(cfg.Addr) == strings.TrimSpace(cfg.AdminAddr) {
		return fmt.Errorf("service config addr and admin_addr must differ")
	}
	if cfg.Transport.WriteTimeoutMS < 0 {
		return fmt.Errorf("service config write_timeout_ms must not be negative")
	}
	if err := cfg.Transport.SessionConfig().ValidateServerTransport(); err != nil {
		return fmt.Errorf("service config transport invalid: %w", err)
	}
	return nil
}
