// Package config reads agent configuration from HCL files.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/hub/mqtt"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
)

const (
	DefaultPath            = "iotc.hcl"
	defaultTelemetryPeriod = 5 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Netif    string `hcl:"netif"`
	ScopeID  string `hcl:"scope_id"`
	LogDebug bool   `hcl:"log_debug"`

	Hub    mqtt.Options `hcl:"hub"`
	Client struct {
		PollSec             int `hcl:"poll_sec"`
		FastPollSec         int `hcl:"fast_poll_sec"`
		TimerSlots          int `hcl:"timer_slots"`
		ProvisionTimeoutSec int `hcl:"provision_timeout_sec"`
		MaxTwinPayload      int `hcl:"max_twin_payload"`
	} `hcl:"client"`
	Session struct {
		HelloRetrySec int `hcl:"hello_retry_sec"`
	} `hcl:"session"`
	Netprobe  netif.ProbeConfig `hcl:"netprobe"`
	Telemetry struct {
		IntervalSec int    `hcl:"interval_sec"`
		DurationSec int    `hcl:"duration_sec"`
		PersistPath string `hcl:"persist_path"`
	} `hcl:"telemetry"`
	Led struct {
		Chip string `hcl:"chip"`
		Line int    `hcl:"line"`
	} `hcl:"led"`
	Button struct {
		Device string `hcl:"device"`
	} `hcl:"button"`
	Devhub struct {
		Listen   []string `hcl:"listen"`
		Password string   `hcl:"password"`
	} `hcl:"devhub"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Validate checks fields required to run a device.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Netif == "" {
		errs = append(errs, errors.NotValidf("netif empty"))
	}
	if c.ScopeID == "" {
		errs = append(errs, errors.NotValidf("scope_id empty"))
	}
	if c.Hub.BrokerURL == "" {
		errs = append(errs, errors.NotValidf("hub.broker empty"))
	}
	if c.Hub.DeviceID == "" {
		errs = append(errs, errors.NotValidf("hub.device_id empty"))
	}
	if c.Client.FastPollSec < 0 || c.Client.PollSec < 0 || c.Client.TimerSlots < 0 {
		errs = append(errs, errors.NotValidf("client negative value"))
	}
	if c.Led.Chip != "" && c.Led.Line < 0 {
		errs = append(errs, errors.NotValidf("led.line=%d", c.Led.Line))
	}
	return helpers.FoldErrors(errs)
}

// IothubConfig returns hub client settings, callbacks and collaborators are left to caller.
func (c *Config) IothubConfig() iothub.Config {
	return iothub.Config{
		Netif:            c.Netif,
		ScopeID:          c.ScopeID,
		PollSec:          c.Client.PollSec,
		FastPollSec:      c.Client.FastPollSec,
		TimerSlots:       c.Client.TimerSlots,
		ProvisionTimeout: helpers.IntSecondDefault(c.Client.ProvisionTimeoutSec, iothub.DefaultProvisionTimeout),
		MaxTwinPayload:   c.Client.MaxTwinPayload,
	}
}

func (c *Config) SessionConfig() iotconnect.Config {
	return iotconnect.Config{
		Hub:           c.IothubConfig(),
		HelloRetrySec: c.Session.HelloRetrySec,
	}
}

func (c *Config) TelemetryInterval() time.Duration {
	return helpers.IntSecondDefault(c.Telemetry.IntervalSec, defaultTelemetryPeriod)
}

// TelemetryDuration zero means run until stopped.
func (c *Config) TelemetryDuration() time.Duration {
	return time.Duration(c.Telemetry.DurationSec) * time.Second
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig parses names in order, later values override earlier ones.
// With OsFullReader includes are relative to the first file.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config no names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
