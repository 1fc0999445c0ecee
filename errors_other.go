//go:build !linux && !windows
// +build !linux,!windows

package mitm

import (
	"errors"
	"syscall"
)

func IsConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

func IsConnAborted(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED)
}
