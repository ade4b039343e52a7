package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/proxy"
)

const (
	ProtocolSOCKS5 = "socks5"
	ProtocolHTTP   = "http"
)

// Dialer opens TCP connections tunneled through a proxy record, either over
// SOCKS5 or an HTTP CONNECT proxy.
type Dialer struct {
	Protocol string
	Timeout  time.Duration
}

func (d Dialer) DialContext(ctx context.Context, rec Record, addr string) (net.Conn, error) {
	switch d.Protocol {
	case ProtocolHTTP:
		conn, err := fasthttpproxy.FasthttpHTTPDialerTimeout(rec.URLHost(), d.timeout(ctx))(addr)
		if err != nil {
			return nil, fmt.Errorf("http proxy %s: %w", rec.ID(), err)
		}
		return conn, nil
	case ProtocolSOCKS5, "":
		var auth *proxy.Auth
		if rec.Username != "" {
			auth = &proxy.Auth{User: rec.Username, Password: rec.Password}
		}
		socks, err := proxy.SOCKS5("tcp", rec.Addr(), auth, &net.Dialer{Timeout: d.timeout(ctx)})
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", rec.ID(), err)
		}

		var conn net.Conn
		if cd, ok := socks.(proxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = socks.Dial("tcp", addr)
		}
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", rec.ID(), err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", d.Protocol)
	}
}

func (d Dialer) timeout(ctx context.Context) time.Duration {
	t := d.Timeout
	if t <= 0 {
		t = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < t {
			t = left
		}
	}
	return t
}

// HTTPChecker is the default HealthChecker: a GET through the proxy to a
// URL that answers quickly.
type HTTPChecker struct {
	URL      string
	Protocol string
	Timeout  time.Duration
}

var errProxyAuth = errors.New("proxy rejected credentials")

func (c HTTPChecker) Check(ctx context.Context, rec Record) error {
	timeout := Dialer{Timeout: c.Timeout}.timeout(ctx)
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	var dial fasthttp.DialFunc
	if c.Protocol == ProtocolHTTP {
		dial = fasthttpproxy.FasthttpHTTPDialerTimeout(rec.URLHost(), timeout)
	} else {
		dial = fasthttpproxy.FasthttpSocksDialer("socks5://" + rec.URLHost())
	}
	client := &fasthttp.Client{
		Dial:         dial,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.URL)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("health probe via %s: %w", rec.ID(), err)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusProxyAuthRequired:
		return errProxyAuth
	case code >= 500:
		return fmt.Errorf("health probe via %s: status %d", rec.ID(), code)
	}
	return nil
}
