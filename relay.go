package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gobwas/ws"
)

// relayHTTP1 runs the message loop over an established flow: parse one
// request, run the request chain, forward, parse the response, run the
// response chain, forward. Repeats for keep-alive and pipelined
// requests until either side closes or asks to.
func relayHTTP1(ctx *Context) error {
	return relayMessages(ctx, bufio.NewReader(ctx.Conn), bufio.NewReader(ctx.Dst))
}

func relayMessages(ctx *Context, clientR, originR *bufio.Reader) error {
	flow := ctx.Flow

	for {
		touchDeadline(ctx, ctx.Conn)
		req, err := readRequestHead(clientR, flow.ID)
		if err != nil {
			if err == io.EOF || isTimeout(err) {
				return nil
			}
			return err
		}

		// An expectant client holds the body until someone says 100.
		// Answer here and strip the Expect so the origin does not send
		// a second 100.
		if expectsContinue(req.Header) {
			if _, err = io.WriteString(ctx.Conn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return err
			}
			req.Header.Del("Expect")
		}
		if err = readRequestBody(clientR, req); err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}

		msg := &Message{Flow: flow, Request: req}
		if dropped := ctx.Pipeline.Apply(ctx, msg, PhaseRequest); dropped {
			ctx.Infof("request %s %s dropped by pipeline", req.Method, req.Target)
			writeForbidden(ctx.Conn, req)
			return errFlowDropped
		}
		req = msg.Request

		ctx.Publisher.Publish(newRequestRecord(flow, req))

		if isUpgrade(req.Header) {
			return relayWebSocket(ctx, req, clientR, originR)
		}

		touchDeadline(ctx, ctx.Dst)
		if err = req.Write(ctx.Dst); err != nil {
			return err
		}

		resp, err := ReadResponse(originR, req)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}

		// Interim responses pass straight through; the loop settles on
		// the final status. 101 is excluded: switching protocols is
		// handled on the upgrade path above.
		for resp.StatusCode >= 100 && resp.StatusCode < 200 &&
			resp.StatusCode != http.StatusSwitchingProtocols {
			if err = resp.Write(ctx.Conn); err != nil {
				return err
			}
			if resp, err = ReadResponse(originR, req); err != nil {
				if isTimeout(err) {
					return nil
				}
				return err
			}
		}

		msg = &Message{Flow: flow, Request: req, Response: resp}
		if dropped := ctx.Pipeline.Apply(ctx, msg, PhaseResponse); dropped {
			ctx.Infof("response %d for %s dropped by pipeline", resp.StatusCode, req.Target)
			return errFlowDropped
		}
		resp = msg.Response

		ctx.Publisher.Publish(newResponseRecord(flow, resp))

		if err = resp.Write(ctx.Conn); err != nil {
			return err
		}

		if wantsClose(req.Header) || wantsClose(resp.Header) {
			return nil
		}
	}
}

func isUpgrade(h Header) bool {
	upgrade, _ := h.Get("Upgrade")
	connection, _ := h.Get("Connection")
	return strings.EqualFold(upgrade, "websocket") &&
		strings.Contains(strings.ToLower(connection), "upgrade")
}

func expectsContinue(h Header) bool {
	expect, _ := h.Get("Expect")
	return strings.EqualFold(expect, "100-continue")
}

func wantsClose(h Header) bool {
	connection, _ := h.Get("Connection")
	return strings.Contains(strings.ToLower(connection), "close")
}

// writeForbidden answers a dropped request so the client is not left
// waiting on a reply that never comes.
func writeForbidden(w io.Writer, req *Request) {
	resp := &Response{
		StatusCode: http.StatusForbidden,
		Reason:     http.StatusText(http.StatusForbidden),
		Proto:      "HTTP/1.1",
		Request:    req,
	}
	resp.Header.Set("Connection", "close")
	resp.Write(w)
}

// relayWebSocket forwards the already-parsed upgrade request, mirrors
// the 101 back and then switches to frame-level relay with the
// registered frame filters applied in both directions.
func relayWebSocket(ctx *Context, req *Request, clientR, originR *bufio.Reader) error {
	flow := ctx.Flow

	// Extension negotiation (permessage-deflate) would put frame
	// payloads beyond the filters' reach.
	req.Header.Del("Sec-Websocket-Extensions")

	if err := req.Write(ctx.Dst); err != nil {
		return err
	}
	resp, err := ReadResponse(originR, req)
	if err != nil {
		return err
	}
	if err = resp.Write(ctx.Conn); err != nil {
		return err
	}
	ctx.Publisher.Publish(newResponseRecord(flow, resp))

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// Origin refused the upgrade; back to the message loop.
		return relayMessages(ctx, clientR, originR)
	}
	ctx.Debugf("upgraded %s to websocket", flow.DstAddr())

	errc := make(chan error, 2)
	pump := func(dst io.Writer, src io.Reader) {
		for {
			frame, err := ws.ReadFrame(src)
			if err != nil {
				errc <- err
				return
			}
			frame = ctx.filterWs(frame, ctx)
			if err = ws.WriteFrame(dst, frame); err != nil {
				errc <- err
				return
			}
		}
	}

	go pump(ctx.Dst, clientR)
	go pump(ctx.Conn, originR)

	err = <-errc
	ctx.Conn.Close()
	ctx.Dst.Close()
	<-errc

	if IsEOF(err) || errors.Is(err, net.ErrClosed) || IsConnReset(err) {
		return nil
	}
	return err
}

type rawWriter struct {
	net.Conn
	ctx *Context
}

func (w *rawWriter) Write(p []byte) (int, error) {
	_, err := w.Conn.Write(w.ctx.filterRaw(p, w.ctx))
	return len(p), err
}

// relayTunnel splices bytes both ways without interpretation, the raw
// byte filters applied in-line. Used for payloads the detector could
// not classify.
func relayTunnel(ctx *Context) error {
	c, cancel := context.WithCancel(context.Background())

	cp := func(dst, src net.Conn) {
		_, err := io.Copy(&rawWriter{dst, ctx}, src)
		if err != nil && c.Err() == nil && !IsEOF(err) && !IsConnReset(err) {
			ctx.Error(err)
		}
		cancel()
	}

	go cp(ctx.Dst, ctx.Conn)
	go cp(ctx.Conn, ctx.Dst)
	<-c.Done()

	ctx.Conn.Close()
	ctx.Dst.Close()
	return nil
}

// touchDeadline arms the idle timer on one leg; zero timeout leaves the
// connection unarmed.
func touchDeadline(ctx *Context, conn net.Conn) {
	if ctx.IdleTimeout > 0 && conn != nil {
		conn.SetReadDeadline(time.Now().Add(ctx.IdleTimeout))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Replay re-sends a captured request to addr on a fresh connection,
// outside any live flow, and returns the origin's response. Useful for
// poking at an origin with a mutated copy of recorded traffic.
func Replay(req *Request, addr string, useTLS bool) (*Response, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if useTLS {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		})
		if err = tlsConn.Handshake(); err != nil {
			return nil, err
		}
		conn = tlsConn
	}

	if err = req.Write(conn); err != nil {
		return nil, err
	}
	return ReadResponse(bufio.NewReader(conn), req)
}
