// Package basic is the sample device application: simulated telemetry,
// status LED driven by cloud, button presses reported as telemetry.
package basic

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/outbox"
)

const (
	initialTemperature = 50.0
	initialHumidity    = 120.0
)

type Led interface {
	Set(on bool) error
	Close() error
}

type Options struct {
	Interval time.Duration
	// zero means forever
	Duration time.Duration
	Rand     *rand.Rand
}

type App struct {
	log    *log2.Log
	client *iotconnect.Client
	outbox *outbox.Outbox
	led    Led
	opt    Options

	temperature  float64
	humidity     float64
	connectedFor time.Duration
	timer        iothub.Handle
	done         bool

	Now func() time.Time
}

// New app, outbox and led are optional.
func New(log *log2.Log, client *iotconnect.Client, ob *outbox.Outbox, led Led, opt Options) *App {
	if opt.Interval < time.Second {
		opt.Interval = time.Second
	}
	if opt.Rand == nil {
		opt.Rand = helpers.RandUnix()
	}
	return &App{
		log:         log,
		client:      client,
		outbox:      ob,
		led:         led,
		opt:         opt,
		temperature: initialTemperature,
		humidity:    initialHumidity,
		Now:         time.Now,
	}
}

// Attach sets session callbacks in c before iotconnect.Client.Init.
func (self *App) Attach(c *iotconnect.Config) {
	c.OnStatus = self.onStatus
	c.OnCommand = self.onCommand
	c.OnTwin = self.onTwin
}

// Start arms telemetry timer, call after iotconnect.Client.Init.
func (self *App) Start() error {
	h, err := self.client.Hub().AddTimer(int(self.opt.Interval/time.Second), self.tick)
	if err != nil {
		return errors.Annotate(err, "telemetry timer")
	}
	self.timer = h
	return nil
}

// Done is true after configured duration connected or cloud close command.
func (self *App) Done() bool { return self.done }

// Flush sends telemetry persisted while offline.
func (self *App) Flush() int {
	if self.outbox == nil || !self.client.IsConnected() {
		return 0
	}
	return self.outbox.Pump(func(data []byte, at time.Time) error {
		return self.client.SendTelemetryJSON(data, at)
	})
}

// OnButton reports key press as telemetry.
func (self *App) OnButton(code uint16) {
	self.log.Infof("button code=%d", code)
	self.report(map[string]interface{}{"button": code})
}

func (self *App) tick() {
	if self.client.IsConnected() {
		self.connectedFor += self.opt.Interval
	}
	self.report(self.sample())
	if self.opt.Duration > 0 && self.connectedFor >= self.opt.Duration {
		self.log.Infof("stayed connected for %v, done", self.connectedFor)
		self.done = true
	}
}

// sample walks simulated values by at most 1.0 per call.
func (self *App) sample() map[string]interface{} {
	self.temperature += self.delta()
	self.humidity += self.delta()
	return map[string]interface{}{
		"temperature": math.Round(self.temperature*10) / 10,
		"humidity":    math.Round(self.humidity*100) / 100,
	}
}

func (self *App) delta() float64 { return float64(self.opt.Rand.Intn(41))/20 - 1 }

func (self *App) report(values map[string]interface{}) {
	if self.client.IsConnected() {
		err := self.client.SendTelemetry(values)
		if err == nil {
			self.log.Debugf("telemetry sent %v", values)
			return
		}
		self.log.Errorf("telemetry send err=%v", err)
	}
	if self.outbox == nil {
		return
	}
	b, err := json.Marshal(values)
	if err != nil {
		self.log.Errorf("telemetry encode err=%v", err)
		return
	}
	if err = self.outbox.Push(b, self.Now()); err != nil {
		self.log.Errorf("telemetry persist err=%v", err)
	}
}

func (self *App) onStatus(s iotconnect.ConnectionStatus) {
	self.log.Infof("session %s", s.String())
	if s == iotconnect.Connected {
		self.Flush()
	}
}

type ledState struct {
	Led *bool `json:"led"`
}

func (self *App) onCommand(cmd iotconnect.Command) {
	switch cmd.Type {
	case iotconnect.CmdDevice:
		self.applyLed(cmd.Data)
	case iotconnect.CmdOTA:
		self.log.Infof("ota notice ignored data=%s", string(cmd.Data))
	case iotconnect.CmdClose:
		self.log.Infof("cloud closed session")
		self.done = true
	default:
		self.log.Errorf("unknown command type=%s", cmd.Type)
	}
}

func (self *App) onTwin(payload []byte) { self.applyLed(payload) }

func (self *App) applyLed(b []byte) {
	var s ledState
	if err := json.Unmarshal(b, &s); err != nil {
		self.log.Errorf("led state parse err=%v", err)
		return
	}
	if s.Led == nil || self.led == nil {
		return
	}
	if err := self.led.Set(*s.Led); err != nil {
		self.log.Errorf("led set err=%v", err)
	}
}
