package iothub

import (
	"time"

	"github.com/temoto/iotc-agent/netif"
)

// Transport creates authenticated hub connections.
type Transport interface {
	// Provision blocks at most timeout. Failure should be *ProvisionError.
	Provision(scopeID string, timeout time.Duration) (Conn, error)
}

// Conn callbacks are invoked only from DoWork.
type Conn interface {
	SetMessageCallback(func(payload []byte) Disposition)
	SetTwinCallback(func(state TwinUpdateState, payload []byte))
	SetConnectionStatusCallback(func(status ConnectionStatus, reason StatusReason))
	SendEventAsync(m *Message, ack AckFunc) error
	DoWork()
	Destroy()
}

type AckFunc func(ConfirmationResult)

type Message struct {
	Payload         []byte
	ContentType     string
	ContentEncoding string
}

// Network is implemented by netif.System and netif.Mock.
type Network interface {
	IsReady() (bool, error)
	InterfaceStatus(name string) (netif.Status, error)
}
