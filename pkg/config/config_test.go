package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pool.MaxTotal != constants.DefaultMaxTotal {
		t.Errorf("MaxTotal = %d, want %d", cfg.Pool.MaxTotal, constants.DefaultMaxTotal)
	}
	if cfg.Pool.ValidateAfterInactivity.Std() != constants.DefaultValidateAfterInactivity {
		t.Errorf("ValidateAfterInactivity = %v", cfg.Pool.ValidateAfterInactivity.Std())
	}
	if cfg.Connect.Timeout.Std() != constants.DefaultConnTimeout {
		t.Errorf("Connect.Timeout = %v", cfg.Connect.Timeout.Std())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"zero max total", func(c *Config) { c.Pool.MaxTotal = 0 }, true},
		{"per route above total", func(c *Config) { c.Pool.DefaultMaxPerRoute = c.Pool.MaxTotal + 1 }, true},
		{"route override", func(c *Config) { c.Pool.Routes = map[string]int{"https://example.com": 5} }, false},
		{"route override bad url", func(c *Config) { c.Pool.Routes = map[string]int{"ftp://example.com": 5} }, true},
		{"route override zero", func(c *Config) { c.Pool.Routes = map[string]int{"http://example.com": 0} }, true},
		{"negative lease timeout", func(c *Config) { c.Pool.LeaseTimeout = Duration(-time.Second) }, true},
		{"unknown tls profile", func(c *Config) { c.TLS.Profile = "ancient" }, true},
		{"sni disabled with verification", func(c *Config) { c.TLS.DisableSNI = true }, true},
		{"sni disabled insecure", func(c *Config) { c.TLS.DisableSNI = true; c.TLS.InsecureSkipVerify = true }, false},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "client.pem" }, true},
		{"proxy chain", func(c *Config) { c.Proxy.Chain = []string{"http://p1:3128", "socks5://p2"} }, false},
		{"bad proxy scheme", func(c *Config) { c.Proxy.Chain = []string{"socks4://p1"} }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rawpool.toml")
	data := `
[pool]
max_total = 50
default_max_per_route = 5
lease_timeout = "2s"
time_to_live = "10m"

[pool.routes]
"https://api.example.com" = 10

[connect]
timeout = "3s"
linger = 0

[proxy]
chain = ["http://user:pw@proxy:3128"]

[log]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pool.MaxTotal != 50 || cfg.Pool.DefaultMaxPerRoute != 5 {
		t.Errorf("pool limits = %d/%d", cfg.Pool.MaxTotal, cfg.Pool.DefaultMaxPerRoute)
	}
	if cfg.Pool.LeaseTimeout.Std() != 2*time.Second || cfg.Pool.TimeToLive.Std() != 10*time.Minute {
		t.Errorf("durations = %v, %v", cfg.Pool.LeaseTimeout.Std(), cfg.Pool.TimeToLive.Std())
	}
	if cfg.Connect.Timeout.Std() != 3*time.Second || cfg.Connect.Linger != 0 {
		t.Errorf("connect = %+v", cfg.Connect)
	}
	// unset keys keep their defaults
	if cfg.Connect.DNSTimeout.Std() != constants.DefaultDNSTimeout {
		t.Errorf("DNSTimeout = %v, want default", cfg.Connect.DNSTimeout.Std())
	}

	limits, err := cfg.RouteLimits()
	if err != nil {
		t.Fatal(err)
	}
	if got := limits[route.NewHost("https", "api.example.com", 0)]; got != 10 {
		t.Errorf("route limit = %d, want 10", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pool.MaxTotal != constants.DefaultMaxTotal {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[pool\nmax_total = 1"},
		{"bad duration", "[pool]\nlease_timeout = \"soon\""},
		{"fails validation", "[pool]\nmax_total = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rawpool.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rawpool.toml")
	cfg := DefaultConfig()
	cfg.Pool.KeepAlive = Duration(45 * time.Second)
	cfg.Proxy.Chain = []string{"socks5://127.0.0.1:1080"}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Pool.KeepAlive != cfg.Pool.KeepAlive {
		t.Errorf("KeepAlive = %v, want %v", loaded.Pool.KeepAlive.Std(), cfg.Pool.KeepAlive.Std())
	}
	if len(loaded.Proxy.Chain) != 1 || loaded.Proxy.Chain[0] != cfg.Proxy.Chain[0] {
		t.Errorf("Chain = %v", loaded.Proxy.Chain)
	}
}
