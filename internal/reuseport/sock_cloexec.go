// +build linux freebsd dragonfly

package reuseport

import "golang.org/x/sys/unix"

// sysSocket wraps socket() to set SOCK_NONBLOCK and SOCK_CLOEXEC atomically.
func sysSocket(family, sotype, proto int) (int, error) {
	return unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
}
