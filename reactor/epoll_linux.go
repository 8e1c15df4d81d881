// File: reactor/epoll_linux.go
//
// Low-level epoll syscalls, isolated from reactor.go so the readiness
// facility's platform boundary is a single small file, matching the
// reactor_linux.go/epoll_reactor.go split. Uses golang.org/x/sys/unix
// rather than the deprecated syscall package: internal/transport/
// transport_linux.go makes the same choice for every other low-level
// call in this tree.

//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

type epollEvent = unix.EpollEvent

func epollCreate() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

func epollClose(epfd int) error {
	return unix.Close(epfd)
}

func eventMask(want Event) uint32 {
	var mask uint32
	if want.Readable {
		mask |= unix.EPOLLIN
	}
	if want.Writable {
		mask |= unix.EPOLLOUT
	}
	if want.PeerHup {
		mask |= unix.EPOLLRDHUP
	}
	return mask
}

func epollCtlAdd(epfd, fd int, want Event) error {
	ev := unix.EpollEvent{Events: eventMask(want), Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func epollCtlMod(epfd, fd int, want Event) error {
	ev := unix.EpollEvent{Events: eventMask(want), Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func epollCtlDel(epfd, fd int) error {
	err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

func epollWait(epfd int, events []unix.EpollEvent, timeout time.Duration) (int, error) {
	return unix.EpollWait(epfd, events, int(timeout/time.Millisecond))
}

func isEINTR(err error) bool {
	return err == unix.EINTR
}

func decodeEvent(ev unix.EpollEvent) Event {
	return Event{
		Fd:       int(ev.Fd),
		Readable: ev.Events&unix.EPOLLIN != 0,
		Writable: ev.Events&unix.EPOLLOUT != 0,
		PeerHup:  ev.Events&unix.EPOLLRDHUP != 0,
		Hup:      ev.Events&unix.EPOLLHUP != 0,
		Err:      ev.Events&unix.EPOLLERR != 0,
	}
}
