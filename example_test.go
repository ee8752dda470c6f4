package rawpool_test

import (
	"context"
	"fmt"
	"io"
	"time"

	rawpool "github.com/WhileEndless/go-rawpool"
)

func Example() {
	m, err := rawpool.New(rawpool.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer m.Shutdown()

	ctx := context.Background()
	target := rawpool.NewHost("https", "example.com", 0)
	r := rawpool.ProxiedRoute(target, nil, rawpool.NewHost("http", "proxy.internal", 3128))

	h, err := m.LeaseConnection(ctx, r, nil, 5*time.Second)
	if err != nil {
		fmt.Println("lease:", err)
		return
	}
	defer m.Release(h, nil, time.Minute)

	if err := m.Establish(ctx, h, r); err != nil {
		fmt.Println("establish:", err)
		return
	}
	io.WriteString(h.Conn(), "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	// ... read the full response, then:
	h.MarkReusable()
}

func ExampleManager_Connect() {
	m, _ := rawpool.New(rawpool.DefaultOptions())
	defer m.ShutdownMode(rawpool.Immediate)

	ctx := context.Background()
	r := rawpool.DirectRoute(rawpool.NewHost("http", "example.com", 0))
	h, err := m.LeaseConnection(ctx, r, nil, time.Second)
	if err != nil {
		return
	}
	defer m.Release(h, nil, 0)

	// Routes can also be driven step by step.
	if !h.IsRouteComplete() {
		if err := m.Connect(ctx, h, r, 3*time.Second); err != nil {
			return
		}
		if err := m.RouteComplete(ctx, h, r); err != nil {
			return
		}
	}
	fmt.Println(h.Metrics())
}
