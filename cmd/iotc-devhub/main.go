// Development cloud hub: accepts devices, prints telemetry, pushes commands from console.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/config"
	"github.com/temoto/iotc-agent/helpers/cli"
	"github.com/temoto/iotc-agent/hub/devhub"
	"github.com/temoto/iotc-agent/log2"
)

const commandTimeout = 10 * time.Second

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "", "optional, reads devhub block")
	flagListen := flag.String("listen", "tcp://127.0.0.1:1883", "overrides config devhub.listen")
	flagPassword := flag.String("password", "", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()
	log.SetFlags(log2.LInteractiveFlags)

	listen := []string{*flagListen}
	password := *flagPassword
	if *flagConfig != "" {
		cfg, err := config.ReadConfig(log, config.NewOsFullReader(), *flagConfig)
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		if len(cfg.Devhub.Listen) != 0 && !isFlagSet("listen") {
			listen = cfg.Devhub.Listen
		}
		if password == "" {
			password = cfg.Devhub.Password
		}
		*flagDebug = *flagDebug || cfg.LogDebug
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	srv := devhub.NewServer(devhub.Options{Log: log, Password: password})
	ctx := context.Background()
	if err := srv.Listen(ctx, listen...); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("devhub listening %s", strings.Join(srv.Addrs(), " "))

	a := alive.NewAlive()
	a.Add(1)
	go func() {
		defer a.Done()
		stopCh := a.StopChan()
		for {
			select {
			case e := <-srv.Events():
				log.Infof("device=%s props=%v payload=%s", e.DeviceID, e.Props, string(e.Payload))
			case <-stopCh:
				if err := srv.Close(); err != nil {
					log.Error(err)
				}
				return
			}
		}
	}()

	exec := func(line string) {
		if out := execLine(ctx, srv, line); out != "" {
			fmt.Println(out)
		}
	}
	if err := cli.MainLoop(a, "devhub> ", exec, complete); err != nil {
		log.Error(err)
	}
	a.Stop()
	a.Wait()
}

func execLine(ctx context.Context, srv *devhub.Server, line string) string {
	parts := strings.SplitN(line, " ", 4)
	var err error
	switch {
	case parts[0] == "devices":
		return strings.Join(srv.Devices(), "\n")
	case parts[0] == "session" && len(parts) == 2:
		s, ok := srv.Session(parts[1])
		if !ok {
			return "no session"
		}
		return fmt.Sprintf("sid=%s dtg=%s", s.ID, s.Token)
	case parts[0] == "cmd" && len(parts) >= 3:
		var data []byte
		if len(parts) == 4 {
			data = []byte(parts[3])
		}
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = srv.SendCommand(ctx, parts[1], parts[2], data)
		cancel()
	case parts[0] == "twin" && len(parts) >= 3:
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = srv.PublishTwin(ctx, parts[1], int(time.Now().Unix()), []byte(strings.Join(parts[2:], " ")))
		cancel()
	case parts[0] == "kick" && len(parts) == 2:
		err = srv.Kick(parts[1])
	default:
		return "usage: devices | session DEVICE | cmd DEVICE TYPE [JSON] | twin DEVICE JSON | kick DEVICE"
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

var suggests = []prompt.Suggest{
	{Text: "devices", Description: "connected device ids"},
	{Text: "session", Description: "last session given to device"},
	{Text: "cmd", Description: "send command 0x01 device, 0x02 ota, 0x99 close"},
	{Text: "twin", Description: "publish desired properties patch"},
	{Text: "kick", Description: "drop device connection"},
}

func complete(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
