//go:build linux
// +build linux

package mitm

import (
	"errors"

	"golang.org/x/sys/unix"
)

func IsConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET)
}

func IsConnAborted(err error) bool {
	return errors.Is(err, unix.ECONNABORTED)
}
