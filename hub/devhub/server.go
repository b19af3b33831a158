// Package devhub is development cloud hub.
// MQTT server that authenticates devices, answers session hello requests,
// records telemetry and pushes commands.
package devhub

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/log2"
)

const (
	defaultReadLimit      = 1 << 20
	defaultNetworkTimeout = 10 * time.Second
	eventBuffer           = 64
)

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type Options struct {
	Log *log2.Log
	// empty accepts any password
	Password       string
	NetworkTimeout time.Duration
	TLS            *tls.Config
	// do not answer hello requests
	NoHello bool
	NewID   func() string
	// called from connection goroutine
	OnTelemetry func(Event)
}

// Event is a device to cloud message.
type Event struct {
	DeviceID string
	Topic    string
	Props    url.Values
	Payload  []byte
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	ctx      context.Context
	events   chan Event
	listens  map[string]*transport.NetServer
	log      *log2.Log
	nextid   uint32 // atomic packet.ID
	opt      Options
	sessions sync.Map    // device id -> Session
	subs     *topic.Tree // *subscription
}

func NewServer(opt Options) *Server {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = defaultNetworkTimeout
	}
	if opt.NewID == nil {
		opt.NewID = newID
	}
	s := &Server{
		alive:  alive.NewAlive(),
		ctx:    context.Background(),
		events: make(chan Event, eventBuffer),
		log:    opt.Log,
		opt:    opt,
		subs:   topic.NewStandardTree(),
	}
	s.backends.m = make(map[string]*backend)
	return s
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Events receives device messages which are not hello requests.
// Events are dropped when nobody reads.
func (s *Server) Events() <-chan Event { return s.events }

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			_ = b.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, urls ...string) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	if s.listens == nil {
		s.listens = make(map[string]*transport.NetServer, len(urls))
	}
	errs := make([]error, 0)
	for _, u := range urls {
		s.log.Debugf("devhub listen url=%s", u)
		ns, err := s.listen(u)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "devhub listen url=%s", u))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[u] = ns
		go s.acceptLoop(ns, u)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) NextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&s.nextid, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Devices returns ids of connected devices.
func (s *Server) Devices() []string {
	s.backends.RLock()
	defer s.backends.RUnlock()
	ids := make([]string, 0, len(s.backends.m))
	for id := range s.backends.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Kick drops device connection without MQTT DISCONNECT.
func (s *Server) Kick(deviceID string) error {
	b := s.getBackend(deviceID)
	if b == nil {
		return errors.NotFoundf("device=%s", deviceID)
	}
	s.log.Infof("devhub kick device=%s", deviceID)
	_ = b.die(fmt.Errorf("kicked"))
	return nil
}

// deliver publishes to single device if it subscribed to matching topic.
func (s *Server) deliver(ctx context.Context, deviceID string, msg *packet.Message) error {
	var sub *subscription
	for _, x := range s.subs.Match(msg.Topic) {
		if xs := x.(*subscription); xs.client == deviceID {
			sub = xs
			break
		}
	}
	if sub == nil {
		return errors.Annotatef(ErrNoSubscribers, "device=%s topic=%s", deviceID, msg.Topic)
	}
	b := s.getBackend(deviceID)
	if b == nil {
		return errors.NotFoundf("device=%s", deviceID)
	}
	bmsg := msg.Copy()
	if bmsg.QOS > sub.qos {
		bmsg.QOS = sub.qos
	}
	return b.Publish(ctx, s.NextID(), bmsg)
}

func (s *Server) getBackend(deviceID string) *backend {
	s.backends.RLock()
	b := s.backends.m[deviceID]
	s.backends.RUnlock()
	return b
}

func (s *Server) listen(rawurl string) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(rawurl)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var ns *transport.NetServer
	switch u.Scheme {
	case "tls", "ssl":
		if s.opt.TLS == nil {
			return nil, errors.NotValidf("url=%s without TLS config", rawurl)
		}
		if ns, err = transport.CreateSecureNetServer(u.Host, s.opt.TLS); err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		ns = transport.NewNetServer(listen)
	}
	if ns == nil {
		return nil, errors.NotSupportedf("listen url=%s", rawurl)
	}
	return ns, nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, listenURL string) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", listenURL))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) onAccept(conn transport.Conn) (*backend, error) {
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
		return nil, errors.Trace(err)
	}
	scopeID, code := s.authenticate(pktConnect)
	if code != packet.ConnectionAccepted {
		connack.ReturnCode = code
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "device=%s username=%s", pktConnect.ClientID, pktConnect.Username)
		return nil, errors.Trace(err)
	}
	s.log.Debugf("devhub CONNECT addr=%s device=%s scope=%s keepalive=%d",
		addr, pktConnect.ClientID, scopeID, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > s.opt.NetworkTimeout {
		keepalive = s.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newBackend(conn, s.log, pktConnect, scopeID, 2*s.opt.NetworkTimeout), nil
}

// authenticate expects username "<scope_id>/<device_id>".
func (s *Server) authenticate(pkt *packet.Connect) (string, packet.ConnackCode) {
	parts := strings.SplitN(pkt.Username, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != pkt.ClientID {
		return "", packet.BadUsernameOrPassword
	}
	if s.opt.Password != "" && pkt.Password != s.opt.Password {
		return "", packet.NotAuthorized
	}
	return parts[0], packet.ConnectionAccepted
}

func (s *Server) processConn(conn transport.Conn) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetReadLimit(defaultReadLimit)
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	b, err := s.onAccept(conn)
	if err != nil {
		s.log.Infof("devhub onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("devhub device overtake id=%s ex=%s new=%s", b.id, addrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	wg := sync.WaitGroup{}
	for {
		pkt, err := b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(b, pkt, &wg)
	}
	wg.Wait()
	_ = b.acks.Await(s.opt.NetworkTimeout)
	b.acks.Clear()
	b.alive.WaitTasks()

	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			delete(s.backends.m, b.id)
			s.sessions.Delete(b.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	s.log.Infof("devhub device=%s gone", b.id)
}

func (s *Server) processPacket(b *backend, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	if ex := s.getBackend(b.id); b != ex {
		s.log.Errorf("devhub ignore packet from detached device=%s pkt=%s", b.id, PacketString(pkt))
		_ = b.die(ErrSameClient)
		return
	}

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		if err = s.onPublish(b, &pt.Message); err != nil {
			s.log.Errorf("devhub onPublish device=%s msg=%s err=%v", b.id, MessageString(&pt.Message), err)
			break
		}
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			err = b.Send(puback)
		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = b.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(b, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		_ = b.die(nil)
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		_ = b.die(err)
	}
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	if len(pkt.Subscriptions) == 0 {
		return fmt.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	for _, sub := range pkt.Subscriptions {
		sub2 := &subscription{pattern: sub.Topic, client: b.id, qos: sub.QOS}
		if sub2.qos > packet.QOSAtLeastOnce {
			sub2.qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub2.pattern, sub2)
		suback.ReturnCodes = append(suback.ReturnCodes, sub2.qos)
	}
	return errors.Annotate(b.Send(suback), "onSubscribe")
}
