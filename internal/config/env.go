package config

import (
	"errors"
	"fmt"
	"strings"
)

// applyEnvOverrides layers environment variables over the decoded file.
// Only non-empty values override.
func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	values := envMap(environ)

	set := func(key string, dst *string) {
		if v := strings.TrimSpace(values[key]); v != "" {
			*dst = v
		}
	}

	set("SRL_RULES", &cfg.RulesFile)
	set("SRL_LOG_LEVEL", &cfg.Log.Level)
	set("SRL_LOG_FORMAT", &cfg.Log.Format)
	set("SRL_ADMIN_LISTEN", &cfg.Admin.Listen)
	set("SRL_STORE_DRIVER", &cfg.Store.Driver)
	set("SRL_STORE_DSN", &cfg.Store.DSN)
	set("REDIS_PASSWORD", &cfg.Store.Password)
	set("AWS_PROFILE", &cfg.AWS.DefaultProfile)
	set("AZURE_TENANT_ID", &cfg.Azure.TenantID)
	set("AZURE_CLIENT_ID", &cfg.Azure.ClientID)
	set("AZURE_CLIENT_SECRET", &cfg.Azure.ClientSecret)
	set("KUBECONFIG", &cfg.Kubernetes.Kubeconfig)
	set("SMTP_PASSWORD", &cfg.SMTP.Password)

	if v, ok := values["SRL_WATCH"]; ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			cfg.Watch.Enabled = true
		case "0", "false", "no", "off":
			cfg.Watch.Enabled = false
		default:
			return fmt.Errorf("SRL_WATCH: invalid boolean %q", v)
		}
	}
	return nil
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
