package eventloop

import (
	"sort"
	"time"

	"github.com/juju/errors"
)

// Mock is Loop and TimerFactory with virtual clock in whole seconds.
// Timers expire only on Advance, other fds become ready only on Trigger.
// Run never sleeps.
type Mock struct {
	now    int
	nextFd int
	lastID int32
	regs   map[int]*Registration
	timers map[int]*mockTimer
	ready  map[int]int
	closed bool

	// returned once by next Run or NewTimer
	RunErr   error
	TimerErr error
	// returned by every RegisterIO while set
	RegisterErr error

	Runs int
}

type mockTimer struct {
	m           *Mock
	fd          int
	interval    int
	next        int
	expirations uint64
	closed      bool
}

func NewMock() *Mock {
	return &Mock{
		nextFd: 100,
		regs:   make(map[int]*Registration),
		timers: make(map[int]*mockTimer),
		ready:  make(map[int]int),
	}
}

func (m *Mock) NewTimer(intervalSec int) (Timer, error) {
	if err := m.TimerErr; err != nil {
		m.TimerErr = nil
		return nil, err
	}
	t := &mockTimer{m: m, fd: m.NewFd()}
	if err := t.SetInterval(intervalSec); err != nil {
		return nil, err
	}
	m.timers[t.fd] = t
	return t, nil
}

func (m *Mock) NewFd() int {
	m.nextFd++
	return m.nextFd
}

// Advance moves virtual clock forward and expires due timers.
func (m *Mock) Advance(sec int) {
	for i := 0; i < sec; i++ {
		m.now++
		for _, t := range m.timers {
			if !t.closed && m.now >= t.next {
				t.expirations++
				t.next = m.now + t.interval
			}
		}
	}
}

// Trigger makes fd ready for next Run.
func (m *Mock) Trigger(fd int) { m.ready[fd]++ }

func (m *Mock) Now() int { return m.now }

// OpenTimers counts timers created and not yet closed.
func (m *Mock) OpenTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.closed {
			n++
		}
	}
	return n
}

func (m *Mock) Registered() int { return len(m.regs) }

func (m *Mock) IsClosed() bool { return m.closed }

func (m *Mock) RegisterIO(fd int, fn IOFunc) (*Registration, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.RegisterErr != nil {
		return nil, m.RegisterErr
	}
	if fn == nil {
		return nil, errors.NotValidf("RegisterIO fd=%d fn=nil", fd)
	}
	if _, ok := m.regs[fd]; ok {
		return nil, errors.AlreadyExistsf("RegisterIO fd=%d", fd)
	}
	m.lastID++
	r := &Registration{fd: fd, id: m.lastID, fn: fn}
	m.regs[fd] = r
	return r, nil
}

func (m *Mock) UnregisterIO(r *Registration) error {
	if m.closed {
		return ErrClosed
	}
	if r == nil || m.regs[r.fd] != r {
		return errors.NotFoundf("UnregisterIO fd=%d", r.Fd())
	}
	delete(m.regs, r.fd)
	return nil
}

func (m *Mock) Run(timeout time.Duration) error {
	if m.closed {
		return ErrClosed
	}
	m.Runs++
	if err := m.RunErr; err != nil {
		m.RunErr = nil
		return err
	}

	type readyReg struct {
		r      *Registration
		manual bool
	}
	batch := make([]readyReg, 0, len(m.regs))
	for fd, r := range m.regs {
		if t, ok := m.timers[fd]; ok && !t.closed && t.expirations > 0 {
			batch = append(batch, readyReg{r: r})
		} else if m.ready[fd] > 0 {
			batch = append(batch, readyReg{r: r, manual: true})
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].r.fd < batch[j].r.fd })
	for _, x := range batch {
		if m.closed {
			break
		}
		if m.regs[x.r.fd] != x.r {
			continue
		}
		if x.manual {
			m.ready[x.r.fd]--
		}
		x.r.fn()
	}
	return nil
}

func (m *Mock) Close() error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.regs = make(map[int]*Registration)
	return nil
}

func (t *mockTimer) Fd() int       { return t.fd }
func (t *mockTimer) Interval() int { return t.interval }

func (t *mockTimer) SetInterval(sec int) error {
	if t.closed {
		return ErrClosed
	}
	if err := validInterval(sec); err != nil {
		return errors.NewNotValid(err, "SetInterval")
	}
	t.interval = sec
	t.next = t.m.now + sec
	t.expirations = 0
	return nil
}

func (t *mockTimer) Consume() (uint64, error) {
	if t.closed {
		return 0, ErrClosed
	}
	n := t.expirations
	t.expirations = 0
	return n, nil
}

func (t *mockTimer) Close() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return nil
}
