// Sample device: connects to cloud, sends simulated telemetry,
// exits after configured duration connected.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/config"
	"github.com/temoto/iotc-agent/hub/mqtt"
	"github.com/temoto/iotc-agent/internal/basic"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
	"github.com/temoto/iotc-agent/outbox"
)

const pollTimeout = 50 * time.Millisecond

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", config.DefaultPath, "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	if err := run(cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("application exiting")
}

func run(cfg *config.Config) error {
	a := alive.NewAlive()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("signal=%v", s)
		a.Stop()
	}()

	transport, err := mqtt.New(log, cfg.Hub)
	if err != nil {
		return errors.Annotate(err, "hub transport")
	}

	var ob *outbox.Outbox
	if cfg.Telemetry.PersistPath != "" {
		if ob, err = outbox.Open(log, cfg.Telemetry.PersistPath); err != nil {
			return err
		}
		defer ob.Close()
	}

	var led basic.Led
	if cfg.Led.Chip != "" {
		gl, err := basic.OpenGpioLed(cfg.Led.Chip, uint32(cfg.Led.Line))
		if err != nil {
			return errors.Annotate(err, "led")
		}
		defer gl.Close()
		led = gl
	}

	client := iotconnect.NewClient(log)
	app := basic.New(log, client, ob, led, basic.Options{
		Interval: cfg.TelemetryInterval(),
		Duration: cfg.TelemetryDuration(),
	})
	sc := cfg.SessionConfig()
	sc.Hub.Transport = transport
	sc.Hub.Network = netif.NewSystem(log, cfg.Netprobe, nil)
	app.Attach(&sc)
	if err = client.Init(sc); err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Errorf("client close err=%v", err)
		}
	}()
	if err = app.Start(); err != nil {
		return err
	}

	if cfg.Button.Device != "" {
		button, err := basic.OpenButton(log, cfg.Button.Device, app.OnButton)
		if err != nil {
			return err
		}
		defer button.Close()
		if err = client.Hub().WatchFd(button.Fd(), button.OnReadable); err != nil {
			return errors.Annotate(err, "button")
		}
		defer client.Hub().UnwatchFd(button.Fd()) //nolint:errcheck
	}

	sdnotify(daemon.SdNotifyReady)
	log.Infof("running netif=%s scope=%s", cfg.Netif, cfg.ScopeID)
	for a.IsRunning() && !app.Done() {
		if err = client.Poll(pollTimeout); err != nil {
			log.Errorf("poll err=%v", err)
			break
		}
		app.Flush()
	}
	sdnotify(daemon.SdNotifyStopping)

	if err := client.Disconnect(); err != nil {
		log.Errorf("disconnect err=%v", err)
	}
	// teardown happens in next poll
	return client.Poll(0)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
