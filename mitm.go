package mitm

import (
	"crypto/tls"
	"errors"

	"github.com/inconshreveable/go-vhost"
)

// mirrorALPN keeps the client's offer, filtered to what the codec can
// relay, preserving the client's preference order. The origin then
// picks from the same candidates the client gave us, so neither side
// can observe a protocol mismatch.
func mirrorALPN(offered []string) []string {
	var out []string
	for _, proto := range offered {
		if proto == "h2" || proto == "http/1.1" {
			out = append(out, proto)
		}
	}
	return out
}

// interceptTLS runs both handshakes of the man-in-the-middle: a TLS
// server toward the client with a leaf synthesized for the presented
// SNI, and a TLS client toward the real origin. The origin handshake
// happens inside GetConfigForClient, before the ServerHello is
// committed, so the client-facing ALPN mirrors what the origin really
// negotiated and an upstream failure surfaces as a handshake alert
// instead of a hung or raw-relayed connection.
func interceptTLS(ctx *Context) error {
	flow := ctx.Flow

	if ctx.CA == nil {
		return &ClientTLSError{errors.New("no certificate authority configured")}
	}

	serverName := ""
	if vconn, err := vhost.TLS(ctx.Conn); err != nil {
		ctx.Warnf("client hello parse failed, no SNI: %v", err)
		if vconn != nil {
			ctx.Conn = NewConn(vconn)
		}
	} else {
		serverName = vconn.Host()
		ctx.Conn = NewConn(vconn)
	}

	leafName := ctx.leafName(serverName)
	ctx.Debugf("intercepting tls for %s (leaf %s)", flow.DstAddr(), leafName)

	var (
		upstream    *tls.Conn
		upstreamErr error
	)

	clientCfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			raw, err := dialUpstream(ctx, "tcp", flow.DstAddr())
			if err != nil {
				upstreamErr = &UpstreamTLSError{err}
				return nil, err
			}

			upCfg := ctx.ClientTLSConfig.Clone()
			if upCfg == nil {
				upCfg = &tls.Config{InsecureSkipVerify: true}
			}
			upCfg.ServerName = leafName
			upCfg.NextProtos = mirrorALPN(hello.SupportedProtos)

			origin := tls.Client(raw, upCfg)
			if err = origin.Handshake(); err != nil {
				raw.Close()
				upstreamErr = &UpstreamTLSError{err}
				return nil, err
			}

			cfg, err := ctx.CA.TLSConfigFor(leafName)
			if err != nil {
				origin.Close()
				return nil, err
			}
			if proto := origin.ConnectionState().NegotiatedProtocol; proto != "" {
				cfg.NextProtos = []string{proto}
			}

			upstream = origin
			return cfg, nil
		},
	}

	client := tls.Server(ctx.Conn, clientCfg)
	if err := client.Handshake(); err != nil {
		if upstream != nil {
			upstream.Close()
		}
		if upstreamErr != nil {
			return upstreamErr
		}
		return &ClientTLSError{err}
	}

	ctx.Conn = NewConn(client)
	ctx.Dst = upstream

	if client.ConnectionState().NegotiatedProtocol == "h2" {
		flow.Proto = ProtoHTTP2
	} else {
		flow.Proto = ProtoHTTP1
	}
	return nil
}

// leafName picks the hostname the synthesized certificate is issued
// for: ClientHello SNI first, then the requested destination if it is
// a name, then reverse resolution of the destination IP, then the
// configured fallback.
func (c *Context) leafName(serverName string) string {
	flow := c.Flow

	if serverName != "" {
		if !IsDomain(flow.DstHost) {
			c.Resolver.SetPTR(flow.DstHost, serverName)
		}
		return serverName
	}
	if IsDomain(flow.DstHost) {
		return flow.DstHost
	}
	if name, ok := c.Resolver.Lookup(flow.DstHost); ok {
		return name
	}
	if name := probeTLSName(flow.DstHost, flow.DstPort); name != "" {
		c.Resolver.SetPTR(flow.DstHost, name)
		return name
	}
	if c.DefaultSNI != "" {
		return c.DefaultSNI
	}
	return flow.DstHost
}
