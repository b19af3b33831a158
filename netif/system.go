package netif

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/helpers/atomic_clock"
	"github.com/temoto/iotc-agent/helpers/cacheval"
	"github.com/temoto/iotc-agent/log2"
)

const DefaultSysClassNet = "/sys/class/net"

type ProbeConfig struct {
	// host:port dialed over TCP to confirm internet access, empty means IP is enough
	Address    string `hcl:"address"`
	TimeoutSec int    `hcl:"timeout_sec"`
	CacheSec   int    `hcl:"cache_sec"`
}

// System queries Linux network interfaces.
type System struct {
	log      *log2.Log
	address  string
	timeout  time.Duration
	internet cacheval.Int32

	SysClassNet string
	Interfaces  func() ([]net.Interface, error)
	ByName      func(name string) (*net.Interface, error)
	Addrs       func(iface *net.Interface) ([]net.Addr, error)
	Dial        func(network, address string, timeout time.Duration) (net.Conn, error)
}

func NewSystem(log *log2.Log, c ProbeConfig, source atomic_clock.Source) *System {
	s := &System{
		log:         log,
		address:     c.Address,
		timeout:     helpers.IntSecondDefault(c.TimeoutSec, 2*time.Second),
		SysClassNet: DefaultSysClassNet,
		Interfaces:  net.Interfaces,
		ByName:      net.InterfaceByName,
		Addrs:       func(iface *net.Interface) ([]net.Addr, error) { return iface.Addrs() },
		Dial:        net.DialTimeout,
	}
	s.internet.Init(helpers.IntSecondDefault(c.CacheSec, 5*time.Second), source)
	return s
}

// IsReady is true when any non-loopback interface is up with global unicast address.
func (s *System) IsReady() (bool, error) {
	ifaces, err := s.Interfaces()
	if err != nil {
		return false, errors.Annotate(err, "list interfaces")
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if ok, _ := s.hasGlobalIP(iface); ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *System) InterfaceStatus(name string) (Status, error) {
	iface, err := s.ByName(name)
	if err != nil {
		return 0, errors.NewNotFound(err, "interface "+name)
	}
	var status Status
	if iface.Flags&net.FlagUp == 0 {
		return status, nil
	}
	status |= InterfaceUp

	oper, err := ioutil.ReadFile(filepath.Join(s.SysClassNet, name, "operstate"))
	if os.IsNotExist(err) {
		// interface renamed or removed between lookups
		return 0, ErrTryAgain
	}
	if err != nil {
		return 0, errors.Annotatef(err, "interface=%s operstate", name)
	}
	switch strings.TrimSpace(string(oper)) {
	case "up", "unknown":
		status |= ConnectedToNetwork
	case "dormant":
		// wireless authentication in progress
		return status, ErrTryAgain
	default:
		return status, nil
	}

	ok, err := s.hasGlobalIP(iface)
	if err != nil {
		return status, errors.Annotatef(err, "interface=%s addrs", name)
	}
	if !ok {
		return status, nil
	}
	status |= IPAvailable

	if s.probeInternet() {
		status |= ConnectedToInternet
	}
	return status, nil
}

func (s *System) hasGlobalIP(iface *net.Interface) (bool, error) {
	addrs, err := s.Addrs(iface)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
			return true, nil
		}
	}
	return false, nil
}

func (s *System) probeInternet() bool {
	if s.address == "" {
		return true
	}
	v := s.internet.GetOrUpdate(func() int32 {
		conn, err := s.Dial("tcp", s.address, s.timeout)
		if err != nil {
			s.log.Debugf("netif probe address=%s err=%v", s.address, err)
			return 0
		}
		_ = conn.Close()
		return 1
	})
	return v == 1
}
