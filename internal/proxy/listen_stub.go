//go:build !unix

package proxy

import "syscall"

// No socket option tweaks on non-unix platforms.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
