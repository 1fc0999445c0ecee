package mitm

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// dialUpstream opens the origin leg, through the configured chained
// proxy when one is set.
func dialUpstream(ctx *Context, network, addr string) (net.Conn, error) {
	if ctx.Dialer != nil {
		return ctx.Dialer.Dial(network, addr)
	}
	return net.Dial(network, addr)
}

// FromURL builds a chaining dialer from an upstream proxy URL. The
// http scheme is covered by the CONNECT dialer registered below;
// socks5 and socks5h come with x/net/proxy.
func FromURL(rawURL string, forward proxy.Dialer) (proxy.Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return proxy.FromURL(u, forward)
}

// httpDialer reaches the destination by issuing CONNECT to an HTTP
// proxy.
type httpDialer struct {
	u       *url.URL
	forward proxy.Dialer
}

func (d *httpDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.forward.Dial(network, d.u.Host)
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

func httpDialerFn(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	return &httpDialer{u: u, forward: forward}, nil
}

func init() {
	proxy.RegisterDialerType("http", httpDialerFn)
}
