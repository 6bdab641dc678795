//go:build !unix

package handshaker

import "syscall"

func controlListener(network, address string, c syscall.RawConn) error {
	return nil
}
