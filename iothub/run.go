package iothub

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/eventloop"
)

// Run is one cooperative step: event loop iteration, then transport work.
// Pending disconnect is applied only between iterations.
func (self *Client) Run(timeout time.Duration) error {
	if !self.initialized {
		return errors.Annotate(ErrInvalidState, "not initialized")
	}
	self.applyDisconnect()

	err := self.loop.Run(timeout)
	switch {
	case err == nil:
	case errors.Cause(err) == eventloop.ErrInterrupted:
		self.log.Debugf("iothub run interrupted")
	default:
		return errors.Annotatef(ErrRunFailed, "event loop: %v", err)
	}

	if self.conn != nil {
		self.conn.DoWork()
	}
	self.applyDisconnect()
	return nil
}

func (self *Client) applyDisconnect() {
	if !self.disconnectPending {
		return
	}
	self.disconnectPending = false
	self.teardown()
}

// teardown returns client to post-Init state.
func (self *Client) teardown() {
	if self.conn != nil {
		self.conn.Destroy()
		self.conn = nil
	}
	self.timers.deleteAll()
	self.log.Debugf("iothub disconnected")
	self.setStatus(NotAuthenticated)
}
