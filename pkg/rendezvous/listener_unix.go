//go:build unix

package rendezvous

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr sets SO_REUSEADDR on the listening socket before bind,
// so a restarted server does not fail to rebind the main port while the
// previous process's sockets are still draining in TIME_WAIT. EINTR from
// the setsockopt call itself is not possible here (it only ever returns a
// fixed small set of validation errors), but RawConn.Control's callback
// runs on the same goroutine as Listen and any transient error surfaces
// through the returned error, matching §7's TransientIO/FatalIO split.
func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
