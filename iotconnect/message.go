package iotconnect

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/iothub"
)

type envelope struct {
	D       json.RawMessage `json:"d"`
	CmdType string          `json:"cmdType"`
	Data    json.RawMessage `json:"data"`
}

type helloResponse struct {
	CmdType   int    `json:"ct"`
	ErrCode   int    `json:"ec"`
	CorrID    string `json:"cid"`
	SessionID string `json:"sid"`
	Token     string `json:"dtg"`
}

func (self *Client) onMessage(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		self.log.Debugf("iotconnect message len=%d not json err=%v", len(payload), err)
		self.forward(payload)
		return
	}
	if len(env.D) != 0 && env.D[0] == '{' {
		var r helloResponse
		if err := json.Unmarshal(env.D, &r); err == nil && r.CmdType == msgTypeHello {
			self.onHello(&r)
			return
		}
	}
	if env.CmdType != "" {
		cmd := Command{Type: env.CmdType, Data: env.Data, Raw: payload}
		self.log.Debugf("iotconnect command type=%s", cmd.Type)
		if cmd.Type == CmdClose {
			if err := self.Disconnect(); err != nil {
				self.log.Errorf("iotconnect close command err=%v", err)
			}
		}
		if self.config.OnCommand != nil {
			self.config.OnCommand(cmd)
		}
	}
	self.forward(payload)
}

func (self *Client) forward(payload []byte) {
	if self.config.OnMessage != nil {
		self.config.OnMessage(payload)
	}
}

func (self *Client) onHello(r *helloResponse) {
	if self.state != StateHelloSent {
		self.log.Debugf("iotconnect hello response ignored state=%s", self.state.String())
		return
	}
	if r.CorrID != "" && r.CorrID != self.helloID {
		self.log.Debugf("iotconnect hello response cid=%s expected=%s", r.CorrID, self.helloID)
		return
	}
	if r.ErrCode != 0 {
		self.log.Errorf("iotconnect hello response ec=%d", r.ErrCode)
		return
	}
	if !validSessionField(r.SessionID) || !validSessionField(r.Token) {
		self.log.Errorf("iotconnect hello response malformed sid=%q dtg=%q", r.SessionID, r.Token)
		return
	}
	self.session = Session{ID: r.SessionID, RoutingToken: r.Token, Connected: true}
	self.state = StateSessionActive
	self.disarm()
	self.log.Debugf("iotconnect session sid=%s", r.SessionID)
	self.notify(Connected)
}

func validSessionField(s string) bool { return s != "" && len(s) <= MaxSessionField }

type telemetryItem struct {
	Time string          `json:"dt"`
	Data json.RawMessage `json:"d"`
}

type telemetry struct {
	SessionID string          `json:"sid"`
	Token     string          `json:"dtg"`
	MsgType   int             `json:"mt"`
	Time      string          `json:"dt"`
	Items     []telemetryItem `json:"d"`
}

// SendTelemetry requires active session.
func (self *Client) SendTelemetry(values map[string]interface{}) error {
	b, err := json.Marshal(values)
	if err != nil {
		return errors.Annotate(iothub.ErrInvalidParam, err.Error())
	}
	return self.SendTelemetryJSON(b, self.Now())
}

// SendTelemetryJSON wraps JSON object data measured at given time.
func (self *Client) SendTelemetryJSON(data json.RawMessage, at time.Time) error {
	if !self.session.Connected {
		return errors.Annotatef(iothub.ErrInvalidState, "telemetry session state=%s", self.state.String())
	}
	if len(data) == 0 {
		return errors.Annotate(iothub.ErrInvalidParam, "empty telemetry")
	}
	m := telemetry{
		SessionID: self.session.ID,
		Token:     self.session.RoutingToken,
		MsgType:   msgTypeTelemetry,
		Time:      self.Now().UTC().Format(time.RFC3339),
		Items:     []telemetryItem{{Time: at.UTC().Format(time.RFC3339), Data: data}},
	}
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Annotate(iothub.ErrInvalidParam, err.Error())
	}
	return self.Send(b)
}
