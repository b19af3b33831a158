// Package mqtt is iothub.Transport over MQTT.
// Paho callbacks arrive on its goroutines, they are queued and delivered
// only from Conn.DoWork on the event loop goroutine.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
)

const (
	defaultNetworkTimeout = 10 * time.Second
	eventQueue            = 64
)

type Options struct {
	BrokerURL         string `hcl:"broker"`
	DeviceID          string `hcl:"device_id"`
	Password          string `hcl:"password"`
	TLSCAFile         string `hcl:"tls_ca_file"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

type Transport struct {
	log            *log2.Log
	opt            Options
	tls            *tls.Config
	networkTimeout time.Duration
	keepalive      time.Duration
}

var pahoLogOnce sync.Once

func New(log *log2.Log, opt Options) (*Transport, error) {
	u, err := url.Parse(opt.BrokerURL)
	if err != nil {
		return nil, errors.NewNotValid(err, "broker url")
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return nil, errors.NotValidf("broker url=%s scheme", opt.BrokerURL)
	}
	if opt.DeviceID == "" {
		return nil, errors.NotValidf("empty device_id")
	}

	self := &Transport{log: log, opt: opt}
	self.networkTimeout = helpers.IntSecondDefault(opt.NetworkTimeoutSec, defaultNetworkTimeout)
	if self.networkTimeout < time.Second {
		self.networkTimeout = time.Second
	}
	self.keepalive = helpers.IntSecondDefault(opt.KeepaliveSec, 3*self.networkTimeout)
	if u.Scheme != "tcp" && u.Scheme != "ws" {
		self.tls = new(tls.Config)
		if opt.TLSCAFile != "" {
			cabytes, err := ioutil.ReadFile(opt.TLSCAFile)
			if err != nil {
				return nil, errors.Annotate(err, "tls_ca_file")
			}
			self.tls.RootCAs = x509.NewCertPool()
			if !self.tls.RootCAs.AppendCertsFromPEM(cabytes) {
				return nil, errors.NotValidf("tls_ca_file=%s no certificates", opt.TLSCAFile)
			}
		}
	}

	pahoLogOnce.Do(func() {
		pahoLog := log.Clone(log2.LDebug)
		pahoLog.SetPrefix("paho: ")
		paho.CRITICAL = pahoLog
		paho.ERROR = pahoLog
		if opt.LogDebug {
			paho.WARN = pahoLog
			paho.DEBUG = pahoLog
		}
	})
	return self, nil
}

func (self *Transport) Provision(scopeID string, timeout time.Duration) (iothub.Conn, error) {
	if scopeID == "" {
		return nil, &iothub.ProvisionError{Result: iothub.ProvisionInvalidParam, Err: errors.NotValidf("empty scope_id")}
	}
	deadline := time.Now().Add(timeout)
	if err := predial(self.opt.BrokerURL, timeout); err != nil {
		return nil, &iothub.ProvisionError{Result: iothub.ProvisionNetworkNotReady, Err: errors.Annotate(err, "dial")}
	}
	c := newConn(self.log, self.opt.DeviceID, self.networkTimeout)
	mopt := paho.NewClientOptions().
		AddBroker(self.opt.BrokerURL).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(self.opt.DeviceID).
		SetUsername(scopeID + "/" + self.opt.DeviceID).
		SetPassword(self.opt.Password).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onUnexpected).
		SetKeepAlive(self.keepalive).
		SetOrderMatters(false).
		SetPingTimeout(self.networkTimeout).
		SetProtocolVersion(4).
		SetWriteTimeout(self.networkTimeout)
	if self.tls != nil {
		mopt.SetTLSConfig(self.tls)
	}
	m := paho.NewClient(mopt)

	t := m.Connect()
	if !waitToken(t, time.Until(deadline)) {
		// paho keeps connecting in background, release client when it settles
		go func() {
			t.Wait()
			if t.Error() == nil {
				m.Disconnect(0)
			}
		}()
		return nil, &iothub.ProvisionError{Result: iothub.ProvisionGenericError, Err: errors.Timeoutf("connect")}
	}
	if err := t.Error(); err != nil {
		code := byte(packets.Accepted)
		if ct, ok := t.(*paho.ConnectToken); ok {
			code = ct.ReturnCode()
		}
		return nil, classifyConnect(code, err)
	}

	c.m = m
	subs := map[string]byte{
		c.topicCommands:  1,
		topicTwinDesired: 0,
	}
	handlers := map[string]paho.MessageHandler{
		c.topicCommands:  c.onCommand,
		topicTwinDesired: c.onTwinPatch,
	}
	for topic, qos := range subs {
		st := m.Subscribe(topic, qos, handlers[topic])
		if !waitToken(st, minDuration(self.networkTimeout, time.Until(deadline))) || st.Error() != nil {
			err := st.Error()
			if err == nil {
				err = errors.Timeoutf("subscribe")
			}
			m.Disconnect(0)
			return nil, &iothub.ProvisionError{Result: iothub.ProvisionIotHubClientError, Err: errors.Annotatef(err, "subscribe topic=%s", topic)}
		}
	}
	self.log.Debugf("mqtt device=%s connected broker=%s", self.opt.DeviceID, self.opt.BrokerURL)
	c.enqueue(func() { c.status(iothub.ConnectionAuthenticated, iothub.ReasonOK) })
	return c, nil
}

// waitToken is Token.WaitTimeout without holding token lock while waiting.
// paho v1.2.0 WaitTimeout blocks setError so failed connect never completes in time.
func waitToken(t paho.Token, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	done := make(chan struct{})
	go func() {
		t.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// predial checks broker is reachable before handing connect to paho.
func predial(rawurl string, timeout time.Duration) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := map[string]string{"tcp": "1883", "ssl": "8883", "tls": "8883", "ws": "80", "wss": "443"}[u.Scheme]
		host = net.JoinHostPort(u.Hostname(), port)
	}
	nc, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	return nc.Close()
}

func classifyConnect(code byte, err error) *iothub.ProvisionError {
	switch code {
	case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised, packets.ErrRefusedIDRejected:
		return &iothub.ProvisionError{Result: iothub.ProvisionDeviceError, Err: err}
	case packets.ErrRefusedServerUnavailable, packets.ErrRefusedBadProtocolVersion:
		return &iothub.ProvisionError{Result: iothub.ProvisionIotHubClientError, Err: err}
	case packets.ErrNetworkError:
		return &iothub.ProvisionError{Result: iothub.ProvisionNetworkNotReady, Err: err}
	}
	if _, ok := errors.Cause(err).(net.Error); ok || isDialError(err) {
		return &iothub.ProvisionError{Result: iothub.ProvisionNetworkNotReady, Err: err}
	}
	return &iothub.ProvisionError{Result: iothub.ProvisionGenericError, Err: err}
}

func isDialError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "network is unreachable") ||
		strings.Contains(s, "i/o timeout")
}

func classifyLost(err error) iothub.StatusReason {
	if err == nil {
		return iothub.ReasonCommunicationError
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "pingresp"):
		return iothub.ReasonNoPingResponse
	case strings.Contains(s, "not authori"):
		return iothub.ReasonBadCredential
	case isDialError(err):
		return iothub.ReasonNoNetwork
	}
	return iothub.ReasonCommunicationError
}
