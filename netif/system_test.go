package netif

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotc-agent/log2"
)

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func newTestSystem(t testing.TB, oper string, addrs []net.Addr) (*System, *int64, *int) {
	dir, err := ioutil.TempDir("", "netif-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	if oper != "" {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "wlan0"), 0o755))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "wlan0", "operstate"), []byte(oper+"\n"), 0o644))
	}

	now := int64(1)
	dials := 0
	s := NewSystem(log2.NewTest(t, log2.LDebug), ProbeConfig{Address: "hub:8883", CacheSec: 5}, func() int64 { return now })
	s.SysClassNet = dir
	iface := net.Interface{Index: 2, Name: "wlan0", Flags: net.FlagUp}
	s.Interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback}, iface}, nil
	}
	s.ByName = func(name string) (*net.Interface, error) {
		if name != iface.Name {
			return nil, errors.New("no such network interface")
		}
		return &iface, nil
	}
	s.Addrs = func(*net.Interface) ([]net.Addr, error) { return addrs, nil }
	s.Dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		dials++
		assert.Equal(t, "hub:8883", address)
		return fakeConn{}, nil
	}
	return s, &now, &dials
}

func TestSystemInterfaceStatus(t *testing.T) {
	t.Parallel()

	global := []net.Addr{&net.IPNet{IP: net.ParseIP("192.168.1.10"), Mask: net.CIDRMask(24, 32)}}
	linkLocal := []net.Addr{&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}}
	full := InterfaceUp | ConnectedToNetwork | IPAvailable | ConnectedToInternet
	cases := []struct {
		name   string
		oper   string
		addrs  []net.Addr
		expect Status
		err    error
	}{
		{"online", "up", global, full, nil},
		{"no-carrier", "down", global, InterfaceUp, nil},
		{"no-ip", "up", linkLocal, InterfaceUp | ConnectedToNetwork, nil},
		{"dormant", "dormant", global, InterfaceUp, ErrTryAgain},
		{"vanished", "", global, 0, ErrTryAgain},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s, _, _ := newTestSystem(t, c.oper, c.addrs)
			status, err := s.InterfaceStatus("wlan0")
			assert.Equal(t, c.err, err)
			assert.Equal(t, c.expect, status, status.String())
		})
	}
}

func TestSystemUnknownInterface(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSystem(t, "up", nil)
	_, err := s.InterfaceStatus("eth9")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSystemProbeCache(t *testing.T) {
	t.Parallel()

	global := []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.2"), Mask: net.CIDRMask(8, 32)}}
	s, now, dials := newTestSystem(t, "up", global)
	for i := 0; i < 3; i++ {
		status, err := s.InterfaceStatus("wlan0")
		require.NoError(t, err)
		assert.True(t, status.Has(ConnectedToInternet))
	}
	assert.Equal(t, 1, *dials)
	*now += int64(6 * time.Second)
	_, err := s.InterfaceStatus("wlan0")
	require.NoError(t, err)
	assert.Equal(t, 2, *dials)
}

func TestSystemIsReady(t *testing.T) {
	t.Parallel()

	global := []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.2"), Mask: net.CIDRMask(8, 32)}}
	s, _, _ := newTestSystem(t, "up", global)
	ok, err := s.IsReady()
	require.NoError(t, err)
	assert.True(t, ok)

	s, _, _ = newTestSystem(t, "up", nil)
	ok, err = s.IsReady()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "down", Status(0).String())
	assert.Equal(t, "up,ip", (InterfaceUp | IPAvailable).String())
	assert.True(t, (InterfaceUp | IPAvailable).Has(IPAvailable))
	assert.False(t, InterfaceUp.Has(InterfaceUp|IPAvailable))
}
