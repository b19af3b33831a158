package devhub

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/256dpi/gomqtt/packet"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	TopicTwinDesired = "$iothub/twin/PATCH/properties/desired/"

	msgTypeHello = 200
)

type Session struct {
	ID    string
	Token string
}

type helloRequest struct {
	MsgType int    `json:"mt"`
	CorrID  string `json:"cid"`
}

type helloResponseData struct {
	CmdType   int    `json:"ct"`
	ErrCode   int    `json:"ec"`
	CorrID    string `json:"cid,omitempty"`
	SessionID string `json:"sid"`
	Token     string `json:"dtg"`
}

type command struct {
	CmdType string          `json:"cmdType"`
	Data    json.RawMessage `json:"data"`
}

func newID() string { return uuid.New().String() }

func eventsPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

func deviceboundTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/%24.ct=application%2Fjson&%24.ce=utf-8"
}

// Session returns last session given to device.
func (s *Server) Session(deviceID string) (Session, bool) {
	v, ok := s.sessions.Load(deviceID)
	if !ok {
		return Session{}, false
	}
	return v.(Session), true
}

// SendCommand publishes cloud to device command, blocks until device ack.
func (s *Server) SendCommand(ctx context.Context, deviceID, cmdType string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	b, err := json.Marshal(command{CmdType: cmdType, Data: data})
	if err != nil {
		return errors.Annotate(err, "SendCommand")
	}
	return s.SendRaw(ctx, deviceID, b)
}

func (s *Server) SendRaw(ctx context.Context, deviceID string, payload []byte) error {
	msg := &packet.Message{
		Topic:   deviceboundTopic(deviceID),
		QOS:     packet.QOSAtLeastOnce,
		Payload: payload,
	}
	return s.deliver(ctx, deviceID, msg)
}

// PublishTwin sends desired properties patch to device.
func (s *Server) PublishTwin(ctx context.Context, deviceID string, version int, patch []byte) error {
	msg := &packet.Message{
		Topic:   TopicTwinDesired + "?$version=" + strconv.Itoa(version),
		QOS:     packet.QOSAtMostOnce,
		Payload: patch,
	}
	return s.deliver(ctx, deviceID, msg)
}

func (s *Server) onPublish(b *backend, msg *packet.Message) error {
	prefix := eventsPrefix(b.id)
	if !strings.HasPrefix(msg.Topic, prefix) {
		return errors.NotValidf("device=%s publish topic=%s", b.id, msg.Topic)
	}
	props, err := url.ParseQuery(strings.TrimPrefix(msg.Topic, prefix))
	if err != nil {
		return errors.Annotatef(err, "device=%s topic properties", b.id)
	}

	var hello helloRequest
	if json.Unmarshal(msg.Payload, &hello) == nil && hello.MsgType == msgTypeHello {
		if s.opt.NoHello {
			s.log.Debugf("devhub device=%s hello ignored", b.id)
			return nil
		}
		s.replyHello(b, hello.CorrID)
		return nil
	}

	e := Event{
		DeviceID: b.id,
		Topic:    msg.Topic,
		Props:    props,
		Payload:  append([]byte(nil), msg.Payload...),
	}
	if s.opt.OnTelemetry != nil {
		s.opt.OnTelemetry(e)
	}
	select {
	case s.events <- e:
	default:
		s.log.Debugf("devhub events full, dropped device=%s", b.id)
	}
	return nil
}

func (s *Server) replyHello(b *backend, cid string) {
	sess := Session{ID: s.opt.NewID(), Token: s.opt.NewID()}
	s.sessions.Store(b.id, sess)
	reply, err := json.Marshal(map[string]interface{}{"d": helloResponseData{
		CmdType:   msgTypeHello,
		CorrID:    cid,
		SessionID: sess.ID,
		Token:     sess.Token,
	}})
	if err != nil {
		s.log.Errorf("devhub hello encode err=%v", err)
		return
	}
	if !s.alive.Add(1) {
		return
	}
	go func() {
		defer s.alive.Done()
		if err := s.SendRaw(s.ctx, b.id, reply); err != nil {
			s.log.Errorf("devhub device=%s hello reply err=%v", b.id, err)
			return
		}
		s.log.Infof("devhub device=%s session sid=%s", b.id, sess.ID)
	}()
}
