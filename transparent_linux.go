//go:build linux
// +build linux

package mitm

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// originalDst reads the destination an iptables REDIRECT rule hid from
// us, via SO_ORIGINAL_DST on the accepted socket.
func originalDst(conn net.Conn) (string, string, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return "", "", fmt.Errorf("transparent: not a TCP connection: %T", conn)
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return "", "", err
	}

	var (
		mreq    *unix.IPv6Mreq
		sockErr error
	)
	if err = raw.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	}); err != nil {
		return "", "", err
	}
	if sockErr != nil {
		return "", "", sockErr
	}

	// sockaddr_in layout: family(2) port(2, BE) addr(4).
	port := binary.BigEndian.Uint16(mreq.Multiaddr[2:4])
	host := net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7]).String()
	return host, strconv.Itoa(int(port)), nil
}
