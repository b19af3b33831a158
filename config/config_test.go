package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
)

const validBase = `
netif = "wlan0"
scope_id = "0ne0001"
hub { broker = "tcp://127.0.0.1:1883" device_id = "dev1" password = "pw" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"defaults", map[string]string{"main": validBase}, func(t testing.TB, c *Config) {
			require.NoError(t, c.Validate())
			hc := c.IothubConfig()
			assert.Equal(t, "wlan0", hc.Netif)
			assert.Equal(t, "0ne0001", hc.ScopeID)
			assert.Equal(t, iothub.DefaultProvisionTimeout, hc.ProvisionTimeout)
			assert.Equal(t, 5*time.Second, c.TelemetryInterval())
			assert.Equal(t, time.Duration(0), c.TelemetryDuration())
			assert.Equal(t, "dev1", c.Hub.DeviceID)
		}, ""},

		{"full", map[string]string{"main": validBase + `
client { poll_sec = 7 fast_poll_sec = 2 timer_slots = 3 provision_timeout_sec = 4 max_twin_payload = 100 }
session { hello_retry_sec = 9 }
netprobe { address = "127.0.0.1:1883" timeout_sec = 1 cache_sec = 3 }
telemetry { interval_sec = 2 duration_sec = 60 persist_path = "/tmp/q" }
led { chip = "/dev/gpiochip0" line = 8 }
button { device = "/dev/input/event0" }
devhub { listen = ["tcp://0.0.0.0:1883"] password = "pw" }
`}, func(t testing.TB, c *Config) {
			sc := c.SessionConfig()
			assert.Equal(t, 9, sc.HelloRetrySec)
			assert.Equal(t, 7, sc.Hub.PollSec)
			assert.Equal(t, 2, sc.Hub.FastPollSec)
			assert.Equal(t, 3, sc.Hub.TimerSlots)
			assert.Equal(t, 4*time.Second, sc.Hub.ProvisionTimeout)
			assert.Equal(t, 100, sc.Hub.MaxTwinPayload)
			assert.Equal(t, "127.0.0.1:1883", c.Netprobe.Address)
			assert.Equal(t, 2*time.Second, c.TelemetryInterval())
			assert.Equal(t, time.Minute, c.TelemetryDuration())
			assert.Equal(t, "/tmp/q", c.Telemetry.PersistPath)
			assert.Equal(t, 8, c.Led.Line)
			assert.Equal(t, "/dev/input/event0", c.Button.Device)
			assert.Equal(t, []string{"tcp://0.0.0.0:1883"}, c.Devhub.Listen)
		}, ""},

		{"include-override", map[string]string{
			"main":  validBase + `include "local" {}` + "\n",
			"local": `netif = "eth0"`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "eth0", c.Netif)
			assert.Equal(t, "0ne0001", c.ScopeID)
		}, ""},

		{"include-optional", map[string]string{
			"main": validBase + `include "missing" { optional = true }` + "\n",
		}, nil, ""},

		{"include-required", map[string]string{
			"main": validBase + `include "missing" {}` + "\n",
		}, nil, "config required name=missing path=missing not found"},

		{"include-loop", map[string]string{
			"main":  validBase + `include "other" {}` + "\n",
			"other": `include "main" {}`,
		}, nil, "config include loop: from=other include=main"},

		{"syntax", map[string]string{"main": `netif = `}, nil, "config unmarshal source=main"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(c.sources)
			cfg, err := ReadConfig(log, fs, "main")
			if c.expectErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			if c.check != nil {
				c.check(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	cfg, err := ReadConfig(log, NewMockFullReader(map[string]string{"main": `log_debug = true`}), "main")
	require.NoError(t, err)
	assert.True(t, cfg.LogDebug)
	err = cfg.Validate()
	require.Error(t, err)
	lines := strings.Split(err.Error(), "\n")
	assert.Equal(t, []string{
		"netif empty not valid",
		"scope_id empty not valid",
		"hub.broker empty not valid",
		"hub.device_id empty not valid",
	}, lines)
}

func TestReadConfigNoNames(t *testing.T) {
	t.Parallel()
	_, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewMockFullReader(nil))
	assert.True(t, errors.IsNotValid(err))
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "iotc-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "iotc.hcl"), []byte(validBase+`include "local.hcl" {}`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "local.hcl"), []byte(`scope_id = "local"`), 0644))

	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "iotc.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.ScopeID)
	assert.NoError(t, cfg.Validate())
}
