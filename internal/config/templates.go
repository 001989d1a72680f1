package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "formsvcd":
		return serviceTemplate, nil
	case "formctl":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serviceTemplate = `name = "formsvcd"
service_id = "form.mgr"
addr = "127.0.0.1:7400"
admin_addr = "127.0.0.1:7401"
admin_token = ""
cors_origins = ["http://localhost:3000"]

[transport]
security_mode = "development"
write_timeout_ms = 15000
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`

const clientTemplate = `service_id = "form.mgr"
service_addr = "127.0.0.1:7400"
token = "formctl"
max_retry_attempts = 30
retry_interval = "1s"
cleanup_delay = "20ms"
security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`
