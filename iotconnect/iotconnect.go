// Package iotconnect establishes session over authenticated hub connection.
// Hello request is sent on every authentication and repeated until the cloud
// answers with session id and routing token.
package iotconnect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
)

const (
	DefaultHelloRetrySec = 15
	MaxSessionField      = 79

	ContentType     = "application/json"
	ContentEncoding = "utf-8"

	CmdDevice = "0x01"
	CmdOTA    = "0x02"
	CmdClose  = "0x99"

	msgTypeTelemetry = 0
	msgTypeHello     = 200
)

type ConnectionStatus uint8

const (
	StatusUndefined ConnectionStatus = iota
	Connected
	Disconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "undefined"
}

type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateHelloSent
	StateSessionActive
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHelloSent:
		return "hello-sent"
	case StateSessionActive:
		return "session-active"
	}
	return fmt.Sprintf("SessionState(%d)", s)
}

type Session struct {
	ID           string
	RoutingToken string
	Connected    bool
}

type Command struct {
	Type string
	Data json.RawMessage
	Raw  []byte
}

type Config struct {
	Hub           iothub.Config
	HelloRetrySec int

	OnStatus  func(ConnectionStatus)
	OnCommand func(Command)
	// every inbound message except hello responses
	OnMessage func([]byte)
	OnTwin    func([]byte)
}

type Client struct {
	log    *log2.Log
	hub    *iothub.Client
	config Config

	state   SessionState
	session Session
	helloID string
	retry   iothub.Handle
	closing bool

	Now   func() time.Time
	NewID func() string
}

func NewClient(log *log2.Log) *Client {
	return &Client{
		log:   log,
		hub:   iothub.NewClient(log),
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Init initializes hub client and starts connecting.
func (self *Client) Init(c Config) error {
	if c.HelloRetrySec <= 0 {
		c.HelloRetrySec = DefaultHelloRetrySec
	}
	onAuth := c.Hub.OnAuthStatus
	c.Hub.OnAuthStatus = func(s iothub.AuthStatus) {
		self.onAuthStatus(s)
		if onAuth != nil {
			onAuth(s)
		}
	}
	c.Hub.OnMessage = self.onMessage
	c.Hub.OnTwin = c.OnTwin
	if err := self.hub.Init(c.Hub); err != nil {
		return errors.Annotate(err, "iotconnect init")
	}
	self.config = c
	self.state = StateDisconnected
	self.session = Session{}
	self.retry = iothub.NoHandle
	if err := self.Connect(); err != nil {
		if cerr := self.hub.Close(); cerr != nil {
			self.log.Errorf("iotconnect close after failed connect err=%v", cerr)
		}
		return err
	}
	return nil
}

func (self *Client) Connect() error {
	self.closing = false
	return errors.Annotate(self.hub.Connect(), "iotconnect connect")
}

// Poll is one cooperative step, see iothub.Client.Run.
func (self *Client) Poll(timeout time.Duration) error {
	return self.hub.Run(timeout)
}

// Disconnect drops session now, transport is torn down by next Poll.
func (self *Client) Disconnect() error {
	self.closing = true
	if err := self.hub.Disconnect(); err != nil {
		return err
	}
	// retry slot is released by hub teardown, not from inside a callback
	self.retry = iothub.NoHandle
	self.lost()
	return nil
}

func (self *Client) Close() error { return self.hub.Close() }

func (self *Client) Hub() *iothub.Client       { return self.hub }
func (self *Client) State() SessionState       { return self.state }
func (self *Client) Session() Session          { return self.session }
func (self *Client) IsConnected() bool         { return self.session.Connected }
func (self *Client) RetryTimer() iothub.Handle { return self.retry }

// Send sends raw JSON payload over authenticated connection.
func (self *Client) Send(payload []byte) error {
	return self.hub.Send(payload, ContentType, ContentEncoding)
}

func (self *Client) onAuthStatus(s iothub.AuthStatus) {
	switch s {
	case iothub.Authenticated:
		if self.closing {
			return
		}
		self.startHello()
	case iothub.Initiated:
	default:
		self.lost()
	}
}

func (self *Client) startHello() {
	self.state = StateHelloSent
	self.sendHello()
	if self.retry == iothub.NoHandle {
		h, err := self.hub.AddTimer(self.config.HelloRetrySec, self.onRetry)
		if err != nil {
			self.log.Errorf("iotconnect hello retry timer err=%v", err)
			return
		}
		self.retry = h
	}
}

type helloRequest struct {
	MsgType   int    `json:"mt"`
	CorrID    string `json:"cid"`
	SessionID string `json:"sid"`
}

func (self *Client) sendHello() {
	self.session = Session{}
	self.helloID = self.NewID()
	b, err := json.Marshal(helloRequest{MsgType: msgTypeHello, CorrID: self.helloID})
	if err != nil {
		self.log.Errorf("iotconnect hello encode err=%v", err)
		return
	}
	if err = self.Send(b); err != nil {
		self.log.Errorf("iotconnect hello send err=%v", err)
		return
	}
	self.log.Debugf("iotconnect hello sent cid=%s", self.helloID)
}

func (self *Client) onRetry() {
	switch self.state {
	case StateSessionActive:
		self.disarm()
	case StateHelloSent:
		self.log.Infof("iotconnect hello retry")
		self.sendHello()
	}
}

func (self *Client) disarm() {
	if self.retry == iothub.NoHandle {
		return
	}
	if err := self.hub.DeleteTimer(self.retry); err != nil {
		self.log.Errorf("iotconnect hello retry timer delete err=%v", err)
	}
	self.retry = iothub.NoHandle
}

// lost reports Disconnected once per session attempt.
func (self *Client) lost() {
	self.disarm()
	prev := self.state
	self.state = StateDisconnected
	self.session = Session{}
	self.helloID = ""
	if prev != StateDisconnected {
		self.notify(Disconnected)
	}
}

func (self *Client) notify(s ConnectionStatus) {
	self.log.Infof("iotconnect %s", s.String())
	if self.config.OnStatus != nil {
		self.config.OnStatus(s)
	}
}
