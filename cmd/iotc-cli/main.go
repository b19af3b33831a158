// Interactive console driving an agent by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/config"
	"github.com/temoto/iotc-agent/helpers/cli"
	"github.com/temoto/iotc-agent/hub/mqtt"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
	"golang.org/x/sys/unix"
)

const pollTimeout = 200 * time.Millisecond

var log = log2.NewStderr(log2.LInfo)

type request struct {
	line  string
	reply chan string
}

func main() {
	flagConfig := flag.String("config", config.DefaultPath, "")
	flag.Parse()
	log.SetFlags(log2.LInteractiveFlags)

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	transport, err := mqtt.New(log, cfg.Hub)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	client := iotconnect.NewClient(log)
	sc := cfg.SessionConfig()
	sc.Hub.Transport = transport
	sc.Hub.Network = netif.NewSystem(log, cfg.Netprobe, nil)
	sc.OnStatus = func(s iotconnect.ConnectionStatus) { log.Infof("session %s", s.String()) }
	sc.OnMessage = func(b []byte) { log.Infof("message %s", string(b)) }
	sc.OnTwin = func(b []byte) { log.Infof("twin %s", string(b)) }
	if err = client.Init(sc); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	var wake [2]int
	if err = unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		log.Fatal(errors.Annotate(err, "wake pipe"))
	}
	ag := newAgent(log, client)
	reqs := make(chan request, 1)
	if err = client.Hub().WatchFd(wake[0], func() {
		var buf [16]byte
		_, _ = unix.Read(wake[0], buf[:])
		select {
		case r := <-reqs:
			r.reply <- ag.exec(r.line)
		default:
		}
	}); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	a := alive.NewAlive()
	a.Add(1)
	go func() {
		defer a.Done()
		for a.IsRunning() {
			if err := client.Poll(pollTimeout); err != nil {
				log.Errorf("poll err=%v", err)
				a.Stop()
			}
		}
		if err := client.Disconnect(); err == nil {
			_ = client.Poll(0)
		}
		_ = client.Hub().UnwatchFd(wake[0])
		if err := client.Close(); err != nil {
			log.Errorf("close err=%v", err)
		}
	}()

	exec := func(line string) {
		if line == "quit" || line == "exit" {
			a.Stop()
			a.Wait()
			os.Exit(0)
		}
		if !a.IsRunning() {
			return
		}
		r := request{line: line, reply: make(chan string, 1)}
		select {
		case reqs <- r:
		case <-a.StopChan():
			return
		}
		if _, err := unix.Write(wake[1], []byte{1}); err != nil {
			log.Errorf("wake err=%v", err)
		}
		select {
		case s := <-r.reply:
			fmt.Println(s)
		case <-a.StopChan():
		}
	}
	if err = cli.MainLoop(a, "iotc> ", exec, complete); err != nil {
		log.Error(err)
	}
	a.Stop()
	a.Wait()
}

var suggests = []prompt.Suggest{
	{Text: "status", Description: "auth and session state"},
	{Text: "send", Description: "send raw payload"},
	{Text: "telemetry", Description: "send telemetry key=value..."},
	{Text: "timer", Description: "add/set/del application timer"},
	{Text: "connect"},
	{Text: "disconnect"},
	{Text: "help"},
	{Text: "quit"},
}

func complete(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
