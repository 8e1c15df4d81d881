// File: conn/errors.go
//
// Sentinel errors realizing a negative-errno taxonomy as Go errors:
// each wraps the syscall.Errno it replaces so a caller that needs the
// raw errno can still reach it with errors.Is(err, unix.ENOBUFS),
// while callers can also compare against the named sentinel itself.

package conn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNoBufs is returned when the send buffer cannot accept n more
// bytes even after compaction, mirroring -ENOBUFS. The connection
// remains open.
var ErrNoBufs = wrapErrno(unix.ENOBUFS, "send buffer full")

// ErrShutdown is returned by any operation invoked after the
// connection's close callback has fired, mirroring -ESHUTDOWN.
var ErrShutdown = wrapErrno(unix.ESHUTDOWN, "connection closed")

type errnoError struct {
	errno unix.Errno
	msg   string
}

func wrapErrno(errno unix.Errno, msg string) *errnoError {
	return &errnoError{errno: errno, msg: msg}
}

func (e *errnoError) Error() string { return fmt.Sprintf("conn: %s: %s", e.msg, e.errno) }

func (e *errnoError) Unwrap() error { return e.errno }
