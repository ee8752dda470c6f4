package rawpool

import (
	"fmt"
	"time"

	"github.com/WhileEndless/go-rawpool/pkg/config"
	"github.com/WhileEndless/go-rawpool/pkg/constants"
	"github.com/WhileEndless/go-rawpool/pkg/http2"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
	"github.com/WhileEndless/go-rawpool/pkg/transport"
)

// Options controls pool limits, eviction and how connections are opened.
type Options struct {
	MaxTotal           int
	DefaultMaxPerRoute int
	// RouteLimits overrides DefaultMaxPerRoute for routes to the given
	// targets.
	RouteLimits map[route.Host]int

	// TimeToLive caps connection lifetime; zero means unbounded.
	TimeToLive time.Duration
	// ValidateAfterInactivity probes reused connections idle for longer than
	// this. Zero disables probing.
	ValidateAfterInactivity time.Duration

	// EvictInterval runs a background sweep of expired connections, and of
	// connections idle longer than MaxIdleTime if that is positive. Zero
	// disables the sweep.
	EvictInterval time.Duration
	MaxIdleTime   time.Duration

	Socket   transport.SocketOptions
	Registry *transport.Registry
	Resolver transport.Resolver

	// Credentials are looked up per proxy when tunnelling.
	Credentials *proxy.Credentials

	// HTTP2 enables the HTTP/2 preface in RouteComplete for connections
	// that negotiated h2. Nil disables it.
	HTTP2 *http2.Options
}

// DefaultOptions returns the options used by New when fields are zero.
func DefaultOptions() Options {
	return Options{
		MaxTotal:                constants.DefaultMaxTotal,
		DefaultMaxPerRoute:      constants.DefaultMaxPerRoute,
		ValidateAfterInactivity: constants.DefaultValidateAfterInactivity,
		EvictInterval:           constants.DefaultEvictInterval,
		MaxIdleTime:             constants.DefaultMaxIdleTime,
		Socket:                  transport.DefaultSocketOptions(),
	}
}

// OptionsFromConfig converts a loaded configuration. Proxy credentials from
// the configured chain are registered in Credentials.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid config: %w", err)
	}
	limits, err := cfg.RouteLimits()
	if err != nil {
		return Options{}, err
	}
	chain, err := proxy.ParseChain(cfg.Proxy.Chain)
	if err != nil {
		return Options{}, err
	}
	creds := proxy.NewCredentials()
	creds.AddChain(chain)

	tlsOpts := cfg.TLSOptions()
	if cfg.HTTP2.Enabled && len(tlsOpts.NextProtos) == 0 {
		tlsOpts.NextProtos = []string{http2.NextProtoTLS, "http/1.1"}
	}

	opts := Options{
		MaxTotal:                cfg.Pool.MaxTotal,
		DefaultMaxPerRoute:      cfg.Pool.DefaultMaxPerRoute,
		RouteLimits:             limits,
		TimeToLive:              cfg.Pool.TimeToLive.Std(),
		ValidateAfterInactivity: cfg.Pool.ValidateAfterInactivity.Std(),
		EvictInterval:           cfg.Pool.EvictInterval.Std(),
		MaxIdleTime:             cfg.Pool.MaxIdleTime.Std(),
		Socket: transport.SocketOptions{
			ConnectTimeout: cfg.Connect.Timeout.Std(),
			NoDelay:        cfg.Connect.NoDelay,
			Linger:         time.Duration(cfg.Connect.Linger) * time.Second,
			KeepAlive:      cfg.Connect.KeepAlive.Std(),
			SoTimeout:      cfg.Connect.SoTimeout.Std(),
		},
		Registry:    transport.DefaultRegistry(tlsOpts),
		Resolver:    transport.NewSystemResolver(cfg.Connect.DNSTimeout.Std()),
		Credentials: creds,
	}
	if cfg.HTTP2.Enabled {
		opts.HTTP2 = &http2.Options{
			InitialWindowSize: cfg.HTTP2.InitialWindowSize,
			MaxFrameSize:      cfg.HTTP2.MaxFrameSize,
			MaxHeaderListSize: cfg.HTTP2.MaxHeaderListSize,
			HeaderTableSize:   cfg.HTTP2.HeaderTableSize,
		}
		if err := http2.ValidateOptions(opts.HTTP2); err != nil {
			return Options{}, fmt.Errorf("http2: %w", err)
		}
	}
	return opts, nil
}
