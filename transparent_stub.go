//go:build !linux
// +build !linux

package mitm

import (
	"errors"
	"net"
)

func originalDst(net.Conn) (string, string, error) {
	return "", "", errors.New("transparent: only supported on linux")
}
