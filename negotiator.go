package mitm

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Negotiator learns the true destination of an accepted connection.
type Negotiator interface {
	Handshake(*Context) error
}

type HandshakeFn func(*Context) error

func (f HandshakeFn) Handshake(ctx *Context) error { return f(ctx) }

const (
	socksVersion5   = 0x05
	socksCmdConnect = 0x01
	socksAuthNone   = 0x00
	socksAddrIPv4   = 0x01
	socksAddrDomain = 0x03
	socksAddrIPv6   = 0x04
	socksRepSuccess = 0x00
	socksRepCmdErr  = 0x07
	socksRepAddrErr = 0x08
)

// Socks5Negotiator performs the RFC 1928 handshake: version and method
// negotiation followed by a CONNECT request carrying the destination.
// Anything else fails with AcceptError and the reply the RFC asks for.
var Socks5Negotiator HandshakeFn = func(ctx *Context) error {
	conn := ctx.Conn
	buf := make([]byte, 262)

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return &AcceptError{err}
	}
	if buf[0] != socksVersion5 {
		return &AcceptError{fmt.Errorf("socks5: unsupported version 0x%02x", buf[0])}
	}

	methods := int(buf[1])
	if _, err := io.ReadFull(conn, buf[:methods]); err != nil {
		return &AcceptError{err}
	}
	if _, err := conn.Write([]byte{socksVersion5, socksAuthNone}); err != nil {
		return &AcceptError{err}
	}

	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return &AcceptError{err}
	}
	if buf[1] != socksCmdConnect {
		_, _ = conn.Write([]byte{socksVersion5, socksRepCmdErr, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
		return &AcceptError{fmt.Errorf("socks5: unsupported command 0x%02x", buf[1])}
	}

	ctx.Debugf("socks5 request VER=0x%02X CMD=0x%02X ATYP=0x%02X", buf[0], buf[1], buf[3])

	var host string
	switch buf[3] {
	case socksAddrIPv4:
		if _, err := io.ReadFull(conn, buf[:4]); err != nil {
			return &AcceptError{err}
		}
		host = net.IP(buf[:4]).String()

	case socksAddrDomain:
		if _, err := io.ReadFull(conn, buf[:1]); err != nil {
			return &AcceptError{err}
		}
		domainLen := int(buf[0])
		if _, err := io.ReadFull(conn, buf[:domainLen]); err != nil {
			return &AcceptError{err}
		}
		host = string(buf[:domainLen])

	case socksAddrIPv6:
		if _, err := io.ReadFull(conn, buf[:16]); err != nil {
			return &AcceptError{err}
		}
		host = net.IP(buf[:16]).String()

	default:
		_, _ = conn.Write([]byte{socksVersion5, socksRepAddrErr, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
		return &AcceptError{fmt.Errorf("socks5: unsupported address type 0x%02x", buf[3])}
	}

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return &AcceptError{err}
	}
	port := strconv.Itoa(int(binary.BigEndian.Uint16(buf[:2])))

	if _, err := conn.Write([]byte{socksVersion5, socksRepSuccess, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0}); err != nil {
		return &AcceptError{err}
	}

	ctx.Flow.DstHost, ctx.Flow.DstPort = host, port
	return nil
}

// TransparentNegotiator recovers the pre-redirect destination from the
// OS. Nothing is negotiated on the wire.
var TransparentNegotiator HandshakeFn = func(ctx *Context) error {
	host, port, err := originalDst(ctx.Conn.Conn)
	if err != nil {
		return &AcceptError{err}
	}
	ctx.Flow.DstHost, ctx.Flow.DstPort = host, port
	return nil
}
