//go:build !unix && !windows

package udpserver

import (
	"syscall"

	"github.com/pkg/errors"
)

func setBroadcast(syscall.RawConn) error {
	return errors.New("broadcast not supported on this platform")
}
