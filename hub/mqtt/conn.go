package mqtt

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/helpers/atomic_clock"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
)

const topicTwinDesired = "$iothub/twin/PATCH/properties/desired/#"

var ErrDestroyed = fmt.Errorf("connection destroyed")

type conn struct {
	log            *log2.Log
	m              paho.Client
	deviceID       string
	networkTimeout time.Duration
	topicEvents    string
	topicCommands  string

	events      chan func()
	done        chan struct{}
	destroyOnce sync.Once
	lastRecv    atomic_clock.Clock

	// accessed only from DoWork goroutine
	onMessage func([]byte) iothub.Disposition
	onTwin    func(iothub.TwinUpdateState, []byte)
	onStatus  func(iothub.ConnectionStatus, iothub.StatusReason)
}

func newConn(log *log2.Log, deviceID string, networkTimeout time.Duration) *conn {
	return &conn{
		log:            log,
		deviceID:       deviceID,
		networkTimeout: networkTimeout,
		topicEvents:    "devices/" + deviceID + "/messages/events/",
		topicCommands:  "devices/" + deviceID + "/messages/devicebound/#",
		events:         make(chan func(), eventQueue),
		done:           make(chan struct{}),
	}
}

func (self *conn) SetMessageCallback(fn func([]byte) iothub.Disposition) { self.onMessage = fn }
func (self *conn) SetTwinCallback(fn func(iothub.TwinUpdateState, []byte)) {
	self.onTwin = fn
}
func (self *conn) SetConnectionStatusCallback(fn func(iothub.ConnectionStatus, iothub.StatusReason)) {
	self.onStatus = fn
}

// EventTopic is device to cloud topic with URL-encoded message properties.
func EventTopic(base, contentType, contentEncoding string) string {
	props := make([]string, 0, 2)
	if contentType != "" {
		props = append(props, "%24.ct="+url.QueryEscape(contentType))
	}
	if contentEncoding != "" {
		props = append(props, "%24.ce="+url.QueryEscape(contentEncoding))
	}
	return base + strings.Join(props, "&")
}

func (self *conn) SendEventAsync(m *iothub.Message, ack iothub.AckFunc) error {
	if self.isDestroyed() {
		return ErrDestroyed
	}
	if !self.m.IsConnected() {
		return errors.Errorf("mqtt device=%s not connected", self.deviceID)
	}
	topic := EventTopic(self.topicEvents, m.ContentType, m.ContentEncoding)
	t := self.m.Publish(topic, 1, false, m.Payload)
	go func() {
		result := iothub.ConfirmationOK
		if !waitToken(t, 2*self.networkTimeout) {
			result = iothub.ConfirmationTimeout
		} else if err := t.Error(); err != nil {
			self.log.Debugf("mqtt publish topic=%s err=%v", topic, err)
			result = iothub.ConfirmationError
		}
		if ack != nil {
			self.enqueue(func() { ack(result) })
		}
	}()
	return nil
}

// DoWork delivers queued events without blocking.
func (self *conn) DoWork() {
	for {
		if self.isDestroyed() {
			return
		}
		select {
		case fn := <-self.events:
			fn()
		default:
			return
		}
	}
}

func (self *conn) Destroy() {
	self.destroyOnce.Do(func() {
		close(self.done)
		if self.m != nil {
			self.m.Disconnect(uint(self.networkTimeout / time.Millisecond / 10))
		}
		self.log.Debugf("mqtt device=%s destroyed", self.deviceID)
	})
}

func (self *conn) isDestroyed() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// enqueue is called from paho goroutines.
func (self *conn) enqueue(fn func()) {
	select {
	case self.events <- fn:
	case <-self.done:
	}
}

func (self *conn) status(s iothub.ConnectionStatus, r iothub.StatusReason) {
	if self.onStatus != nil {
		self.onStatus(s, r)
	}
}

func (self *conn) onConnectionLost(_ paho.Client, err error) {
	reason := classifyLost(err)
	self.log.Debugf("mqtt device=%s connection lost reason=%s last_recv=%v err=%v",
		self.deviceID, reason.String(), atomic_clock.Since(&self.lastRecv), err)
	self.enqueue(func() { self.status(iothub.ConnectionUnauthenticated, reason) })
}

func (self *conn) onCommand(_ paho.Client, msg paho.Message) {
	self.lastRecv.SetNow()
	payload := append([]byte(nil), msg.Payload()...)
	topic := msg.Topic()
	self.enqueue(func() {
		if self.onMessage == nil {
			return
		}
		if d := self.onMessage(payload); d != iothub.DispositionAccepted {
			self.log.Debugf("mqtt message topic=%s rejected", topic)
		}
	})
}

func (self *conn) onTwinPatch(_ paho.Client, msg paho.Message) {
	self.lastRecv.SetNow()
	payload := append([]byte(nil), msg.Payload()...)
	self.enqueue(func() {
		if self.onTwin != nil {
			self.onTwin(iothub.TwinPartial, payload)
		}
	})
}

func (self *conn) onUnexpected(_ paho.Client, msg paho.Message) {
	self.log.Errorf("mqtt unexpected message topic=%s", msg.Topic())
}
