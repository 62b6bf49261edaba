//go:build !unix

package server

import "syscall"

func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
