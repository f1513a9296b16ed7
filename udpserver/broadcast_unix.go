//go:build unix

package udpserver

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func setBroadcast(rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err == nil {
		err = serr
	}
	return errors.Wrap(err, "set SO_BROADCAST")
}
