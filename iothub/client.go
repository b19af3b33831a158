// Package iothub keeps device authenticated to the cloud hub.
// Client owns transport connection and timer slots, all methods must be called
// from the goroutine that calls Run.
package iothub

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/eventloop"
	"github.com/temoto/iotc-agent/log2"
)

const (
	DefaultPollSec          = 5
	DefaultFastPollSec      = 1
	DefaultTimerSlots       = 5
	DefaultProvisionTimeout = 10 * time.Second
	DefaultMaxTwinPayload   = 8 << 10
)

type Config struct {
	Netif   string
	ScopeID string

	OnAuthStatus func(AuthStatus)
	OnMessage    func(payload []byte)
	OnTwin       func(payload []byte)

	PollSec          int
	FastPollSec      int
	TimerSlots       int
	ProvisionTimeout time.Duration
	MaxTwinPayload   int

	Transport Transport
	Network   Network
	NewLoop   func() (eventloop.Loop, error)
	NewTimer  eventloop.TimerFactory
}

type Client struct {
	log         *log2.Log
	config      Config
	initialized bool

	loop    eventloop.Loop
	timers  *timerPool
	watches map[int]*eventloop.Registration

	conn              Conn
	status            AuthStatus
	disconnectPending bool
}

func NewClient(log *log2.Log) *Client {
	return &Client{log: log}
}

func (self *Client) Init(c Config) error {
	if self.initialized {
		return errors.Annotate(ErrInvalidState, "already initialized")
	}
	if c.Netif == "" || c.ScopeID == "" || c.Transport == nil || c.Network == nil {
		return errors.Annotatef(ErrInvalidParam, "netif=%q scope_id=%q transport=%t network=%t",
			c.Netif, c.ScopeID, c.Transport != nil, c.Network != nil)
	}
	if c.PollSec <= 0 {
		c.PollSec = DefaultPollSec
	}
	if c.FastPollSec <= 0 {
		c.FastPollSec = DefaultFastPollSec
	}
	if c.TimerSlots <= 0 {
		c.TimerSlots = DefaultTimerSlots
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = DefaultProvisionTimeout
	}
	if c.MaxTwinPayload <= 0 {
		c.MaxTwinPayload = DefaultMaxTwinPayload
	}
	if c.NewLoop == nil {
		c.NewLoop = eventloop.NewEpoll
	}
	if c.NewTimer == nil {
		c.NewTimer = eventloop.NewTimerfd
	}

	loop, err := c.NewLoop()
	if err != nil {
		return errors.Annotatef(ErrResourceNotAvailable, "create event loop: %v", err)
	}
	self.config = c
	self.loop = loop
	self.timers = newTimerPool(self.log, loop, c.NewTimer, c.TimerSlots)
	self.watches = make(map[int]*eventloop.Registration)
	self.status = NotAuthenticated
	self.disconnectPending = false
	self.initialized = true
	self.log.Debugf("iothub init netif=%s scope_id=%s timer_slots=%d", c.Netif, c.ScopeID, c.TimerSlots)
	return nil
}

// Close releases timers and event loop. Init is allowed after Close.
// Connection must be torn down first with Disconnect and Run.
func (self *Client) Close() error {
	if !self.initialized {
		return errors.Annotate(ErrInvalidState, "not initialized")
	}
	if self.conn != nil {
		return errors.Annotate(ErrInvalidState, "connection active, disconnect first")
	}
	self.timers.deleteAll()
	for fd := range self.watches {
		_ = self.UnwatchFd(fd)
	}
	err := self.loop.Close()
	self.initialized = false
	self.status = NotAuthenticated
	if err != nil {
		return errors.Annotate(err, "close event loop")
	}
	return nil
}

// Connect starts polling network. Provisioning happens on poll ticks.
func (self *Client) Connect() error {
	switch {
	case !self.initialized:
		return errors.Annotate(ErrInvalidState, "not initialized")
	case self.disconnectPending:
		return errors.Annotate(ErrInvalidState, "disconnect pending")
	case self.status == Authenticated:
		return errors.Annotate(ErrInvalidState, "already authenticated")
	case self.timers.inUse(reservedSlot):
		return errors.Annotate(ErrInvalidState, "already connecting")
	}
	if _, err := self.timers.add(self.config.FastPollSec, self.pollTick, true); err != nil {
		return errors.Annotatef(ErrResourceNotAvailable, "poll timer: %v", err)
	}
	return nil
}

// Disconnect is applied by next Run, before and after its event loop iteration.
func (self *Client) Disconnect() error {
	if self.initialized {
		self.disconnectPending = true
	}
	return nil
}

func (self *Client) Send(payload []byte, contentType, contentEncoding string) error {
	if len(payload) == 0 {
		return errors.Annotate(ErrInvalidParam, "empty payload")
	}
	if !self.initialized || self.status != Authenticated || self.conn == nil {
		return errors.Annotatef(ErrInvalidState, "send status=%s", self.status.String())
	}
	m := &Message{Payload: payload, ContentType: contentType, ContentEncoding: contentEncoding}
	if err := self.conn.SendEventAsync(m, self.onSendConfirm); err != nil {
		return errors.Annotatef(ErrResourceNotAvailable, "send: %v", err)
	}
	return nil
}

func (self *Client) Status() AuthStatus { return self.status }

// PollInterval returns reserved timer interval, false when polling is stopped.
func (self *Client) PollInterval() (int, bool) {
	if !self.initialized || !self.timers.inUse(reservedSlot) {
		return 0, false
	}
	sec, _ := self.timers.interval(reservedSlot)
	return sec, true
}

// TimersInUse counts all occupied slots including reserved.
func (self *Client) TimersInUse() int {
	if !self.initialized {
		return 0
	}
	return self.timers.used()
}

func (self *Client) AddTimer(intervalSec int, fn TimerFunc) (Handle, error) {
	if !self.initialized {
		return NoHandle, errors.Annotate(ErrInvalidState, "not initialized")
	}
	s, err := self.timers.add(intervalSec, fn, false)
	if err != nil {
		return NoHandle, err
	}
	return s.handle(), nil
}

func (self *Client) TimerInterval(h Handle) (int, error) {
	s, err := self.userSlot(h)
	if err != nil {
		return 0, err
	}
	return self.timers.interval(s)
}

func (self *Client) SetTimerInterval(h Handle, intervalSec int) error {
	s, err := self.userSlot(h)
	if err != nil {
		return err
	}
	return self.timers.setInterval(s, intervalSec)
}

// DeleteTimer on free slot is no-op.
func (self *Client) DeleteTimer(h Handle) error {
	s, err := self.userSlot(h)
	if err != nil {
		return err
	}
	self.timers.delete(s)
	return nil
}

func (self *Client) userSlot(h Handle) (slotRef, error) {
	if !self.initialized {
		return 0, errors.Annotate(ErrInvalidState, "not initialized")
	}
	return self.timers.userSlot(h)
}

// WatchFd dispatches fn from Run whenever fd is readable.
func (self *Client) WatchFd(fd int, fn func()) error {
	if !self.initialized {
		return errors.Annotate(ErrInvalidState, "not initialized")
	}
	if fn == nil {
		return errors.Annotatef(ErrInvalidParam, "watch fd=%d fn=nil", fd)
	}
	if _, ok := self.watches[fd]; ok {
		return errors.Annotatef(ErrInvalidState, "fd=%d already watched", fd)
	}
	reg, err := self.loop.RegisterIO(fd, eventloop.IOFunc(fn))
	if err != nil {
		return errors.Annotatef(ErrResourceNotAvailable, "watch fd=%d: %v", fd, err)
	}
	self.watches[fd] = reg
	return nil
}

func (self *Client) UnwatchFd(fd int) error {
	if !self.initialized {
		return errors.Annotate(ErrInvalidState, "not initialized")
	}
	reg, ok := self.watches[fd]
	if !ok {
		return errors.Annotatef(ErrInvalidParam, "fd=%d not watched", fd)
	}
	delete(self.watches, fd)
	if err := self.loop.UnregisterIO(reg); err != nil {
		return errors.Annotatef(ErrInternal, "unwatch fd=%d: %v", fd, err)
	}
	return nil
}

func (self *Client) setStatus(s AuthStatus) {
	if s == self.status {
		return
	}
	prev := self.status
	self.status = s
	self.applyCadence()
	self.log.Infof("iothub status %s -> %s", prev.String(), s.String())
	if self.config.OnAuthStatus != nil {
		self.config.OnAuthStatus(s)
	}
}

// applyCadence polls fast until authenticated.
func (self *Client) applyCadence() {
	if !self.timers.inUse(reservedSlot) {
		return
	}
	sec := self.config.FastPollSec
	if self.status == Authenticated {
		sec = self.config.PollSec
	}
	if err := self.timers.setInterval(reservedSlot, sec); err != nil {
		self.log.Errorf("iothub poll cadence err=%v", err)
	}
}

// ensurePoll re-arms reserved timer at fast cadence, creating it if absent.
func (self *Client) ensurePoll() {
	if self.timers.inUse(reservedSlot) {
		self.applyCadence()
		return
	}
	if _, err := self.timers.add(self.config.FastPollSec, self.pollTick, true); err != nil {
		self.log.Errorf("iothub poll timer err=%v", errors.ErrorStack(err))
	}
}
