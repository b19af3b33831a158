package iothub

import (
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/eventloop"
	"github.com/temoto/iotc-agent/log2"
)

type TimerFunc func()

// Handle addresses user timer slot. Zero value is "no handle".
// Handle equals slot index, so user handles are 1..N and slot 0 is never exposed.
type Handle int

const NoHandle Handle = 0

// slotRef is internal slot index, reservedSlot is never visible as Handle.
type slotRef int

const reservedSlot slotRef = 0

func (h Handle) slot() slotRef   { return slotRef(h) }
func (s slotRef) handle() Handle { return Handle(s) }

type timerSlot struct {
	timer eventloop.Timer
	reg   *eventloop.Registration
	fn    TimerFunc
}

// timerPool is fixed array of periodic timers.
// Slot 0 drives connectivity poll, slots 1..N are lent to application.
type timerPool struct {
	log      *log2.Log
	loop     eventloop.Loop
	newTimer eventloop.TimerFactory
	slots    []*timerSlot
}

func newTimerPool(log *log2.Log, loop eventloop.Loop, newTimer eventloop.TimerFactory, userSlots int) *timerPool {
	return &timerPool{
		log:      log,
		loop:     loop,
		newTimer: newTimer,
		slots:    make([]*timerSlot, userSlots+1),
	}
}

// userSlot validates application supplied handle.
func (self *timerPool) userSlot(h Handle) (slotRef, error) {
	s := h.slot()
	if s <= reservedSlot || int(s) >= len(self.slots) {
		return 0, errors.Annotatef(ErrInvalidParam, "timer handle=%d", h)
	}
	return s, nil
}

func (self *timerPool) add(intervalSec int, fn TimerFunc, reserved bool) (slotRef, error) {
	if fn == nil || intervalSec <= 0 {
		return 0, errors.Annotatef(ErrInvalidParam, "timer interval=%d", intervalSec)
	}
	s := reservedSlot
	if !reserved {
		s = -1
		for i := 1; i < len(self.slots); i++ {
			if self.slots[i] == nil {
				s = slotRef(i)
				break
			}
		}
		if s < 0 {
			return 0, errors.Annotatef(ErrResourceNotAvailable, "all %d timer slots in use", len(self.slots)-1)
		}
	} else if self.slots[s] != nil {
		return 0, errors.Annotate(ErrInvalidState, "reserved timer in use")
	}

	t, err := self.newTimer(intervalSec)
	if err != nil {
		return 0, errors.Annotatef(ErrResourceNotAvailable, "create timer: %v", err)
	}
	slot := &timerSlot{timer: t, fn: fn}
	reg, err := self.loop.RegisterIO(t.Fd(), func() { self.fire(s, slot) })
	if err != nil {
		if cerr := t.Close(); cerr != nil {
			self.log.Errorf("timer slot=%d close after failed register err=%v", s, cerr)
		}
		return 0, errors.Annotatef(ErrResourceNotAvailable, "register timer: %v", err)
	}
	slot.reg = reg
	self.slots[s] = slot
	self.log.Debugf("timer slot=%d interval=%d fd=%d added", s, intervalSec, t.Fd())
	return s, nil
}

func (self *timerPool) fire(s slotRef, slot *timerSlot) {
	// slot deleted or reused by earlier callback in same loop iteration
	if self.slots[s] != slot {
		return
	}
	n, err := slot.timer.Consume()
	if err != nil {
		self.log.Errorf("timer slot=%d consume err=%v", s, err)
		return
	}
	// rearmed by earlier callback in same loop iteration
	if n == 0 {
		return
	}
	slot.fn()
}

func (self *timerPool) get(s slotRef) (*timerSlot, error) {
	slot := self.slots[s]
	if slot == nil {
		return nil, errors.Annotatef(ErrInvalidParam, "timer slot=%d not in use", s)
	}
	return slot, nil
}

func (self *timerPool) interval(s slotRef) (int, error) {
	slot, err := self.get(s)
	if err != nil {
		return 0, err
	}
	return slot.timer.Interval(), nil
}

func (self *timerPool) setInterval(s slotRef, sec int) error {
	slot, err := self.get(s)
	if err != nil {
		return err
	}
	if sec <= 0 {
		return errors.Annotatef(ErrInvalidParam, "timer slot=%d interval=%d", s, sec)
	}
	if slot.timer.Interval() == sec {
		return nil
	}
	if err = slot.timer.SetInterval(sec); err != nil {
		return errors.Annotatef(ErrResourceNotAvailable, "timer slot=%d set interval: %v", s, err)
	}
	self.log.Debugf("timer slot=%d interval=%d", s, sec)
	return nil
}

// delete is idempotent.
func (self *timerPool) delete(s slotRef) {
	slot := self.slots[s]
	if slot == nil {
		return
	}
	self.slots[s] = nil
	if err := self.loop.UnregisterIO(slot.reg); err != nil {
		self.log.Errorf("timer slot=%d unregister err=%v", s, err)
	}
	if err := slot.timer.Close(); err != nil {
		self.log.Errorf("timer slot=%d close err=%v", s, err)
	}
	self.log.Debugf("timer slot=%d deleted", s)
}

func (self *timerPool) deleteAll() {
	for i := range self.slots {
		self.delete(slotRef(i))
	}
}

func (self *timerPool) inUse(s slotRef) bool { return self.slots[s] != nil }

// used counts occupied slots including reserved.
func (self *timerPool) used() int {
	n := 0
	for _, slot := range self.slots {
		if slot != nil {
			n++
		}
	}
	return n
}
