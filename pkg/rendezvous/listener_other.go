//go:build !unix

package rendezvous

import "syscall"

// controlReuseAddr is a no-op on platforms without SO_REUSEADDR semantics
// matching unix's (notably Windows, where the default already permits
// rebinding); see listener_unix.go for the unix implementation.
func controlReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
