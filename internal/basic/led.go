package basic

import (
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const gpioConsumer = "iotc-led"

type GpioLed struct {
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
}

func OpenGpioLed(chipPath string, line uint32) (*GpioLed, error) {
	chip, err := gpio.Open(chipPath, gpioConsumer)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open chip=%s", chipPath)
	}
	led, err := NewGpioLed(chip, line)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return led, nil
}

func NewGpioLed(chip gpio.Chiper, line uint32) (*GpioLed, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, gpioConsumer, line)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio line=%d", line)
	}
	return &GpioLed{chip: chip, lines: lines, set: lines.SetFunc(line)}, nil
}

func (self *GpioLed) Set(on bool) error {
	var v byte
	if on {
		v = 1
	}
	self.set(v)
	return errors.Annotate(self.lines.Flush(), "gpio flush")
}

func (self *GpioLed) Close() error {
	err := self.lines.Close()
	if cerr := self.chip.Close(); err == nil {
		err = cerr
	}
	return err
}
