package iothub

import "time"

// MockTransport hands out MockConn, events are delivered on DoWork like real transport.
type MockTransport struct {
	// returned by Provision while set
	Err   error
	Calls int
	Conns []*MockConn
}

func (self *MockTransport) Provision(scopeID string, timeout time.Duration) (Conn, error) {
	self.Calls++
	if self.Err != nil {
		return nil, self.Err
	}
	c := &MockConn{ScopeID: scopeID}
	self.Conns = append(self.Conns, c)
	return c, nil
}

func (self *MockTransport) Last() *MockConn {
	if len(self.Conns) == 0 {
		return nil
	}
	return self.Conns[len(self.Conns)-1]
}

type MockConn struct {
	ScopeID      string
	SendErr      error
	Sent         []*Message
	Dispositions []Disposition
	Acks         []ConfirmationResult
	Destroyed    bool
	WorkCalls    int

	onMessage func([]byte) Disposition
	onTwin    func(TwinUpdateState, []byte)
	onStatus  func(ConnectionStatus, StatusReason)
	pending   []func()
}

func (self *MockConn) SetMessageCallback(fn func([]byte) Disposition)   { self.onMessage = fn }
func (self *MockConn) SetTwinCallback(fn func(TwinUpdateState, []byte)) { self.onTwin = fn }
func (self *MockConn) SetConnectionStatusCallback(fn func(ConnectionStatus, StatusReason)) {
	self.onStatus = fn
}

func (self *MockConn) SendEventAsync(m *Message, ack AckFunc) error {
	if self.SendErr != nil {
		return self.SendErr
	}
	self.Sent = append(self.Sent, m)
	self.queue(func() {
		self.Acks = append(self.Acks, ConfirmationOK)
		if ack != nil {
			ack(ConfirmationOK)
		}
	})
	return nil
}

func (self *MockConn) DoWork() {
	self.WorkCalls++
	pending := self.pending
	self.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func (self *MockConn) Destroy() {
	self.Destroyed = true
	self.pending = nil
}

func (self *MockConn) queue(fn func()) {
	if !self.Destroyed {
		self.pending = append(self.pending, fn)
	}
}

func (self *MockConn) Authenticate() {
	self.queue(func() { self.onStatus(ConnectionAuthenticated, ReasonOK) })
}

func (self *MockConn) Deauthenticate(reason StatusReason) {
	self.queue(func() { self.onStatus(ConnectionUnauthenticated, reason) })
}

func (self *MockConn) Deliver(payload []byte) {
	self.queue(func() { self.Dispositions = append(self.Dispositions, self.onMessage(payload)) })
}

func (self *MockConn) DeliverTwin(payload []byte) {
	self.queue(func() { self.onTwin(TwinComplete, payload) })
}

// LastSent returns payload of last sent message or nil.
func (self *MockConn) LastSent() []byte {
	if len(self.Sent) == 0 {
		return nil
	}
	return self.Sent[len(self.Sent)-1].Payload
}
