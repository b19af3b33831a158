//go:build linux
// +build linux

package eventloop

import (
	"encoding/binary"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type timerfd struct {
	fd       int
	interval int
}

// NewTimerfd creates periodic CLOCK_MONOTONIC timer, first expiry after one interval.
func NewTimerfd(intervalSec int) (Timer, error) {
	if err := validInterval(intervalSec); err != nil {
		return nil, errors.NewNotValid(err, "NewTimerfd")
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Annotate(err, "timerfd_create")
	}
	t := &timerfd{fd: fd}
	if err = t.SetInterval(intervalSec); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *timerfd) Fd() int       { return t.fd }
func (t *timerfd) Interval() int { return t.interval }

func (t *timerfd) SetInterval(sec int) error {
	if err := validInterval(sec); err != nil {
		return errors.NewNotValid(err, "SetInterval")
	}
	ts := unix.NsecToTimespec(int64(time.Duration(sec) * time.Second))
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return errors.Annotatef(err, "timerfd_settime fd=%d interval=%d", t.fd, sec)
	}
	t.interval = sec
	return nil
}

func (t *timerfd) Consume() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "timerfd read fd=%d", t.fd)
	}
	if n != len(buf) {
		return 0, errors.Errorf("timerfd read fd=%d n=%d expected=%d", t.fd, n, len(buf))
	}
	// kernel writes host order, all supported targets are little endian
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (t *timerfd) Close() error {
	if t.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
