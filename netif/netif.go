// Package netif answers whether the device network is usable.
package netif

import (
	"strings"

	"github.com/juju/errors"
)

// Status is interface connection bitfield.
type Status uint32

const (
	InterfaceUp Status = 1 << iota
	ConnectedToNetwork
	IPAvailable
	ConnectedToInternet
)

// ErrTryAgain means interface status is not known yet and the query should be repeated later.
var ErrTryAgain = errors.New("interface status not available, try again")

func (s Status) Has(flag Status) bool { return s&flag == flag }

func (s Status) String() string {
	parts := make([]string, 0, 4)
	if s.Has(InterfaceUp) {
		parts = append(parts, "up")
	}
	if s.Has(ConnectedToNetwork) {
		parts = append(parts, "network")
	}
	if s.Has(IPAvailable) {
		parts = append(parts, "ip")
	}
	if s.Has(ConnectedToInternet) {
		parts = append(parts, "internet")
	}
	if len(parts) == 0 {
		return "down"
	}
	return strings.Join(parts, ",")
}

// Mock is programmable network for tests.
type Mock struct {
	Ready     bool
	ReadyErr  error
	Status    Status
	StatusErr error

	ReadyCalls  int
	StatusCalls int
}

func (m *Mock) IsReady() (bool, error) {
	m.ReadyCalls++
	return m.Ready, m.ReadyErr
}

func (m *Mock) InterfaceStatus(name string) (Status, error) {
	m.StatusCalls++
	if m.StatusErr != nil {
		return 0, m.StatusErr
	}
	return m.Status, nil
}

// SetOnline makes Mock report fully connected interface.
func (m *Mock) SetOnline() {
	m.Ready = true
	m.ReadyErr = nil
	m.Status = InterfaceUp | ConnectedToNetwork | IPAvailable | ConnectedToInternet
	m.StatusErr = nil
}

func (m *Mock) SetOffline() {
	m.Ready = false
	m.Status = 0
}
