//go:build linux
// +build linux

package eventloop

import (
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const epollBatch = 16

type epollLoop struct {
	epfd   int
	events [epollBatch]unix.EpollEvent
	regs   map[int]*Registration
	lastID int32
	closed bool
}

func NewEpoll() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Annotate(err, "epoll_create1")
	}
	return &epollLoop{
		epfd: epfd,
		regs: make(map[int]*Registration),
	}, nil
}

func (l *epollLoop) RegisterIO(fd int, fn IOFunc) (*Registration, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if fn == nil {
		return nil, errors.NotValidf("RegisterIO fd=%d fn=nil", fd)
	}
	if _, ok := l.regs[fd]; ok {
		return nil, errors.AlreadyExistsf("RegisterIO fd=%d", fd)
	}
	l.lastID++
	r := &Registration{fd: fd, id: l.lastID, fn: fn}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd), Pad: r.id}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, errors.Annotatef(err, "epoll_ctl add fd=%d", fd)
	}
	l.regs[fd] = r
	return r, nil
}

func (l *epollLoop) UnregisterIO(r *Registration) error {
	if l.closed {
		return ErrClosed
	}
	if r == nil || l.regs[r.fd] != r {
		return errors.NotFoundf("UnregisterIO fd=%d", r.Fd())
	}
	delete(l.regs, r.fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, r.fd, nil); err != nil {
		return errors.Annotatef(err, "epoll_ctl del fd=%d", r.fd)
	}
	return nil
}

func (l *epollLoop) Run(timeout time.Duration) error {
	if l.closed {
		return ErrClosed
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(l.epfd, l.events[:], msec)
	if err == unix.EINTR {
		return ErrInterrupted
	}
	if err != nil {
		return errors.Annotate(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := l.events[i]
		r, ok := l.regs[int(ev.Fd)]
		// fd may have been unregistered or reused by previous callback in this batch
		if !ok || r.id != ev.Pad {
			continue
		}
		r.fn()
		if l.closed {
			break
		}
	}
	return nil
}

func (l *epollLoop) Close() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.regs = nil
	return unix.Close(l.epfd)
}
