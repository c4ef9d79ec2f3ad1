package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default database url", func(c *Config) bool { return c.DatabaseURL != "" }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default api port is 80", func(c *Config) bool { return c.APIPort == 80 }},
		{"default tls port is 443", func(c *Config) bool { return c.TLSPort == 443 }},
		{"api addr format", func(c *Config) bool { return c.APIAddr() == "0.0.0.0:80" }},
		{"tls addr format", func(c *Config) bool { return c.TLSAddr() == "0.0.0.0:443" }},
		{"default cluster init file", func(c *Config) bool {
			return c.ClusterInitFile == "/var/lib/doseid/cluster-init.json"
		}},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("check failed for %s", tt.name)
			}
		})
	}
}
