package iothub

import (
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/netif"
)

// pollTick runs on reserved timer.
func (self *Client) pollTick() {
	self.applyCadence()

	ready, err := self.config.Network.IsReady()
	if err != nil {
		self.log.Errorf("iothub network ready err=%v", err)
	}
	if !ready || err != nil {
		self.downgrade("network not ready")
		return
	}

	ifstatus, err := self.config.Network.InterfaceStatus(self.config.Netif)
	switch {
	case errors.Cause(err) == netif.ErrTryAgain:
		self.log.Debugf("iothub netif=%s status not ready, try again", self.config.Netif)
		self.downgrade("interface status unavailable")
		return
	case err != nil:
		if self.status != InitiateError {
			self.log.Errorf("iothub netif=%s status err=%v", self.config.Netif, err)
		}
		self.setStatus(InitiateError)
		return
	}
	if !ifstatus.Has(netif.ConnectedToInternet) {
		self.log.Debugf("iothub netif=%s status=%s no internet", self.config.Netif, ifstatus.String())
		self.downgrade("no internet")
		return
	}

	if self.status == NotAuthenticated || self.status == InitiateError {
		self.provision()
	}
}

func (self *Client) downgrade(reason string) {
	if self.status == Authenticated {
		self.log.Infof("iothub downgrade: %s", reason)
		self.setStatus(NotAuthenticated)
	}
}

func (self *Client) provision() {
	if self.conn != nil {
		self.conn.Destroy()
		self.conn = nil
	}
	conn, err := self.config.Transport.Provision(self.config.ScopeID, self.config.ProvisionTimeout)
	if err != nil {
		result := ProvisionGenericError
		if perr, ok := errors.Cause(err).(*ProvisionError); ok {
			result = perr.Result
		}
		self.log.Errorf("iothub provision scope_id=%s result=%s err=%v", self.config.ScopeID, result.String(), err)
		self.setStatus(NotAuthenticated)
		return
	}
	if conn == nil {
		self.log.Errorf("iothub provision scope_id=%s returned no connection", self.config.ScopeID)
		self.setStatus(NotAuthenticated)
		return
	}
	conn.SetMessageCallback(self.onMessage)
	conn.SetTwinCallback(self.onTwin)
	conn.SetConnectionStatusCallback(self.onConnectionStatus)
	self.conn = conn
	self.log.Infof("iothub provision scope_id=%s result=%s", self.config.ScopeID, ProvisionOK.String())
	self.setStatus(Initiated)
}

func (self *Client) onConnectionStatus(status ConnectionStatus, reason StatusReason) {
	if status == ConnectionAuthenticated {
		self.setStatus(Authenticated)
		return
	}
	self.log.Errorf("iothub connection status=%s reason=%s", status.String(), reason.String())
	if self.status == Authenticated || self.status == Initiated {
		self.setStatus(NotAuthenticated)
		self.ensurePoll()
	}
}

func (self *Client) onMessage(payload []byte) Disposition {
	if self.config.OnMessage == nil {
		self.log.Debugf("iothub message len=%d no handler, rejected", len(payload))
		return DispositionRejected
	}
	self.config.OnMessage(payload)
	return DispositionAccepted
}

func (self *Client) onTwin(state TwinUpdateState, payload []byte) {
	if len(payload) > self.config.MaxTwinPayload {
		self.log.Errorf("iothub twin update len=%d exceeds max=%d, dropped", len(payload), self.config.MaxTwinPayload)
		return
	}
	if self.config.OnTwin != nil {
		self.config.OnTwin(payload)
	}
}

func (self *Client) onSendConfirm(result ConfirmationResult) {
	if result != ConfirmationOK {
		self.log.Errorf("iothub send confirmation=%s", result.String())
		return
	}
	self.log.Debugf("iothub send confirmation=%s", result.String())
}
