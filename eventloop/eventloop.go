// Package eventloop is the cooperative I/O multiplexer used by the agent.
// One goroutine owns a Loop and calls Run repeatedly; callbacks run inside Run,
// never concurrently.
// Periodic timers are file descriptors (timerfd on Linux) registered as ordinary IO.
package eventloop

import (
	"fmt"
	"time"
)

var (
	ErrClosed      = fmt.Errorf("eventloop is closed")
	ErrInterrupted = fmt.Errorf("eventloop run interrupted")
	ErrUnsupported = fmt.Errorf("eventloop is not supported on this platform")
)

type IOFunc func()

// Registration is returned by RegisterIO and is only valid for the Loop that created it.
type Registration struct {
	fd int
	id int32
	fn IOFunc
}

func (r *Registration) Fd() int {
	if r == nil {
		return -1
	}
	return r.fd
}

type Loop interface {
	RegisterIO(fd int, fn IOFunc) (*Registration, error)
	// Unregistering a fd from inside a callback is allowed,
	// its pending events in the current iteration are dropped.
	UnregisterIO(r *Registration) error
	// Run waits at most timeout for ready fds and dispatches their callbacks once.
	// Negative timeout blocks until something is ready.
	// Returns ErrInterrupted when the wait was interrupted by a signal.
	Run(timeout time.Duration) error
	Close() error
}

// Timer is a periodic timer with second granularity.
// Its fd becomes readable on expiry and stays readable until Consume.
type Timer interface {
	Fd() int
	Interval() int
	SetInterval(sec int) error
	// Consume returns number of expirations since last Consume.
	Consume() (uint64, error)
	Close() error
}

type TimerFactory func(intervalSec int) (Timer, error)

func validInterval(sec int) error {
	if sec <= 0 {
		return fmt.Errorf("invalid timer interval=%d", sec)
	}
	return nil
}
