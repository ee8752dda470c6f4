// Command rawpool-probe sends repeated HEAD requests to a target through a
// connection pool and reports how often connections were reused.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	rawpool "github.com/WhileEndless/go-rawpool"
	"github.com/WhileEndless/go-rawpool/pkg/config"
	"github.com/WhileEndless/go-rawpool/pkg/logging"
	"github.com/WhileEndless/go-rawpool/pkg/proxy"
	"github.com/WhileEndless/go-rawpool/pkg/route"
)

var log = logging.For("probe")

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "rawpool.toml", "path to the TOML configuration")
		target      = flag.String("target", "", "target URL, e.g. https://example.com")
		requests    = flag.Int("n", 10, "number of requests")
		concurrency = flag.Int("c", 2, "concurrent workers")
		logLevel    = flag.String("log-level", "", "override log.level from the configuration")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	if *target == "" || *requests < 1 || *concurrency < 1 {
		flag.Usage()
		return 2
	}
	host, err := route.ParseHost(*target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 2
	}

	opts, err := rawpool.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	planner, err := newPlanner(cfg, opts.Credentials)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	r, err := planner.DetermineRoute(host, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}

	m, err := rawpool.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	defer m.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("=== Probing %s via %s ===\n", host, r)
	p := &prober{
		m:         m,
		route:     r,
		host:      host,
		lease:     cfg.Pool.LeaseTimeout.Std(),
		keepAlive: cfg.Pool.KeepAlive.Std(),
	}

	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			return p.probe(gctx, int(next.Add(1)))
		})
	}
	err = g.Wait()

	fmt.Printf("\nRequests: %d, reused: %d\n", p.done.Load(), p.reused.Load())
	fmt.Printf("Pool:     %s\n", m.Stats())
	c := m.Counters()
	fmt.Printf("Leases:   %d requested, %d hits, %d misses, %d timeouts, %d stale\n",
		c.Requests, c.Hits, c.Misses, c.Timeouts, c.Stale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawpool-probe: %v\n", err)
		return 1
	}
	return 0
}

func newPlanner(cfg *config.Config, creds *proxy.Credentials) (proxy.Planner, error) {
	if len(cfg.Proxy.Chain) > 0 {
		chain, err := proxy.ParseChain(cfg.Proxy.Chain)
		if err != nil {
			return nil, err
		}
		return proxy.NewStaticPlanner(chain), nil
	}
	if cfg.Proxy.FromEnvironment {
		return proxy.NewEnvPlanner(creds), nil
	}
	return proxy.DirectPlanner{}, nil
}

type prober struct {
	m         *rawpool.Manager
	route     rawpool.Route
	host      rawpool.Host
	lease     time.Duration
	keepAlive time.Duration

	done   atomic.Int64
	reused atomic.Int64
}

// leaseWithRetry retries pool timeouts with exponential backoff until ctx
// ends. Other errors are permanent.
func (p *prober) leaseWithRetry(ctx context.Context) (*rawpool.Handle, error) {
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	return backoff.RetryWithData(func() (*rawpool.Handle, error) {
		h, err := p.m.LeaseConnection(ctx, p.route, nil, p.lease)
		if err == nil {
			return h, nil
		}
		if rawpool.IsPoolTimeout(err) {
			log.WithError(err).Warn("lease timed out, retrying")
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, b)
}

func (p *prober) probe(ctx context.Context, n int) error {
	h, err := p.leaseWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("request %d: %w", n, err)
	}
	defer p.m.Release(h, nil, p.keepAlive)

	if err := p.m.Establish(ctx, h, p.route); err != nil {
		return fmt.Errorf("request %d: establish: %w", n, err)
	}

	status, keep, err := p.head(h)
	if err != nil {
		h.Abort()
		return fmt.Errorf("request %d: %w", n, err)
	}
	if keep {
		h.MarkReusable()
	}

	p.done.Add(1)
	if h.IsReused() {
		p.reused.Add(1)
	}
	fmt.Printf("#%-3d %s  reused=%-5t %s  %s\n", n, status, h.IsReused(), h.ID(), h.Metrics())
	return nil
}

// head sends a HEAD request and reports the status and whether the server
// allows the connection to be kept.
func (p *prober) head(h *rawpool.Handle) (string, bool, error) {
	c := h.Conn()
	req := fmt.Sprintf("HEAD / HTTP/1.1\r\nHost: %s\r\nUser-Agent: rawpool-probe/%s\r\n\r\n",
		p.host.Name, rawpool.GetVersion())
	if _, err := io.WriteString(c, req); err != nil {
		return "", false, fmt.Errorf("write request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(c), &http.Request{Method: http.MethodHead})
	if err != nil {
		return "", false, fmt.Errorf("read response: %w", err)
	}
	resp.Body.Close()
	return resp.Status, !resp.Close, nil
}
