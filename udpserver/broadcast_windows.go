//go:build windows

package udpserver

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func setBroadcast(rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err == nil {
		err = serr
	}
	return errors.Wrap(err, "set SO_BROADCAST")
}
