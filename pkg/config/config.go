// Package config loads rawpool settings from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/tlsconfig"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds all rawpool settings.
type Config struct {
	Pool    PoolConfig    `toml:"pool"`
	Connect ConnectConfig `toml:"connect"`
	TLS     TLSConfig     `toml:"tls"`
	Proxy   ProxyConfig   `toml:"proxy"`
	HTTP2   HTTP2Config   `toml:"http2"`
	Log     LogConfig     `toml:"log"`
}

// PoolConfig holds pool limits and eviction settings.
type PoolConfig struct {
	MaxTotal           int `toml:"max_total"`
	DefaultMaxPerRoute int `toml:"default_max_per_route"`
	// Routes overrides the per-route bound, keyed by target URL
	// ("https://example.com:443").
	Routes                  map[string]int `toml:"routes,omitempty"`
	TimeToLive              Duration       `toml:"time_to_live"`
	ValidateAfterInactivity Duration       `toml:"validate_after_inactivity"`
	EvictInterval           Duration       `toml:"evict_interval"`
	MaxIdleTime             Duration       `toml:"max_idle_time"`
	LeaseTimeout            Duration       `toml:"lease_timeout"`
	KeepAlive               Duration       `toml:"keep_alive"`
}

// ConnectConfig holds socket settings applied when a connection is opened.
type ConnectConfig struct {
	Timeout    Duration `toml:"timeout"`
	DNSTimeout Duration `toml:"dns_timeout"`
	NoDelay    bool     `toml:"tcp_no_delay"`
	// Linger in seconds; negative leaves the system default.
	Linger    int      `toml:"linger"`
	KeepAlive Duration `toml:"keep_alive"`
	SoTimeout Duration `toml:"so_timeout"`
}

// TLSConfig holds settings for layered connections.
type TLSConfig struct {
	Profile            string   `toml:"profile"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	ServerName         string   `toml:"server_name,omitempty"`
	DisableSNI         bool     `toml:"disable_sni"`
	NextProtos         []string `toml:"next_protos,omitempty"`
	CAFile             string   `toml:"ca_file,omitempty"`
	CertFile           string   `toml:"client_cert_file,omitempty"`
	KeyFile            string   `toml:"client_key_file,omitempty"`
}

// ProxyConfig selects how routes are planned.
type ProxyConfig struct {
	// Chain lists proxy URLs in hop order. It takes precedence over
	// FromEnvironment.
	Chain           []string `toml:"chain,omitempty"`
	FromEnvironment bool     `toml:"from_environment"`
}

// HTTP2Config controls priming of connections that negotiated h2.
type HTTP2Config struct {
	Enabled           bool   `toml:"enabled"`
	InitialWindowSize uint32 `toml:"initial_window_size"`
	MaxFrameSize      uint32 `toml:"max_frame_size"`
	MaxHeaderListSize uint32 `toml:"max_header_list_size"`
	HeaderTableSize   uint32 `toml:"header_table_size"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with the defaults from the constants
// package.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxTotal:                constants.DefaultMaxTotal,
			DefaultMaxPerRoute:      constants.DefaultMaxPerRoute,
			ValidateAfterInactivity: Duration(constants.DefaultValidateAfterInactivity),
			EvictInterval:           Duration(constants.DefaultEvictInterval),
			MaxIdleTime:             Duration(constants.DefaultMaxIdleTime),
			LeaseTimeout:            Duration(constants.DefaultLeaseTimeout),
			KeepAlive:               Duration(constants.DefaultKeepAlive),
		},
		Connect: ConnectConfig{
			Timeout:    Duration(constants.DefaultConnTimeout),
			DNSTimeout: Duration(constants.DefaultDNSTimeout),
			NoDelay:    true,
			Linger:     constants.DefaultLinger,
		},
		TLS: TLSConfig{
			Profile: tlsconfig.ProfileSecure.Name,
		},
		HTTP2: HTTP2Config{
			InitialWindowSize: constants.DefaultInitialWindowSize,
			MaxFrameSize:      constants.DefaultMaxFrameSize,
			MaxHeaderListSize: constants.DefaultMaxHeaderListSize,
			HeaderTableSize:   constants.DefaultHpackTableSize,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file, creating the parent
// directory if needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.MaxTotal < 1 {
		return errors.New("pool.max_total must be at least 1")
	}
	if c.Pool.DefaultMaxPerRoute < 1 {
		return errors.New("pool.default_max_per_route must be at least 1")
	}
	if c.Pool.DefaultMaxPerRoute > c.Pool.MaxTotal {
		return fmt.Errorf("pool.default_max_per_route (%d) exceeds pool.max_total (%d)",
			c.Pool.DefaultMaxPerRoute, c.Pool.MaxTotal)
	}
	for target, max := range c.Pool.Routes {
		if _, err := route.ParseHost(target); err != nil {
			return fmt.Errorf("pool.routes: %w", err)
		}
		if max < 1 {
			return fmt.Errorf("pool.routes[%q] must be at least 1", target)
		}
	}
	for name, d := range map[string]Duration{
		"pool.time_to_live":              c.Pool.TimeToLive,
		"pool.validate_after_inactivity": c.Pool.ValidateAfterInactivity,
		"pool.evict_interval":            c.Pool.EvictInterval,
		"pool.max_idle_time":             c.Pool.MaxIdleTime,
		"pool.lease_timeout":             c.Pool.LeaseTimeout,
		"connect.timeout":                c.Connect.Timeout,
		"connect.dns_timeout":            c.Connect.DNSTimeout,
		"connect.so_timeout":             c.Connect.SoTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, err := tlsconfig.LookupProfile(c.TLS.Profile); err != nil {
		return fmt.Errorf("tls.profile: %w", err)
	}
	if c.TLS.DisableSNI && !c.TLS.InsecureSkipVerify {
		return errors.New("tls.disable_sni requires tls.insecure_skip_verify")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.client_cert_file and tls.client_key_file must be set together")
	}
	if _, err := proxy.ParseChain(c.Proxy.Chain); err != nil {
		return fmt.Errorf("proxy.chain: %w", err)
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is unknown", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// TLSOptions converts the [tls] section.
func (c *Config) TLSOptions() tlsconfig.Options {
	return tlsconfig.Options{
		Profile:            c.TLS.Profile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         c.TLS.ServerName,
		DisableSNI:         c.TLS.DisableSNI,
		NextProtos:         c.TLS.NextProtos,
		CAFile:             c.TLS.CAFile,
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
	}
}

// RouteLimits parses the per-route overrides of [pool.routes].
func (c *Config) RouteLimits() (map[route.Host]int, error) {
	limits := make(map[route.Host]int, len(c.Pool.Routes))
	for target, max := range c.Pool.Routes {
		h, err := route.ParseHost(target)
		if err != nil {
			return nil, err
		}
		limits[h] = max
	}
	return limits, nil
}
