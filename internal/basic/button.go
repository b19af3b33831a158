package basic

import (
	"os"

	"github.com/juju/errors"
	"github.com/temoto/inputevent-go"
	"github.com/temoto/iotc-agent/log2"
)

// linux/input-event-codes.h
const evKey = 0x01

// Button reads key presses from /dev/input/event*, fd is watched by event loop.
type Button struct {
	log     *log2.Log
	f       *os.File
	onPress func(code uint16)
}

func OpenButton(log *log2.Log, device string, onPress func(uint16)) (*Button, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, errors.Annotatef(err, "button device=%s", device)
	}
	return NewButton(log, f, onPress), nil
}

func NewButton(log *log2.Log, f *os.File, onPress func(uint16)) *Button {
	return &Button{log: log, f: f, onPress: onPress}
}

func (self *Button) Fd() int { return int(self.f.Fd()) }

// OnReadable consumes one input event.
func (self *Button) OnReadable() {
	ie, err := inputevent.ReadOne(self.f)
	if err != nil {
		self.log.Errorf("button read err=%v", err)
		return
	}
	if ie.Type == evKey && ie.Value == int32(inputevent.KeyStateDown) {
		self.onPress(ie.Code)
	}
}

func (self *Button) Close() error { return self.f.Close() }
