//go:build unix

package handshaker

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// controlListener lets a restarted node rebind its handshake port while old
// connections linger in TIME_WAIT.
func controlListener(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return errors.Wrapf(sockErr, "could not set SO_REUSEADDR on %s", address)
}
