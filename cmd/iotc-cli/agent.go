package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
)

// agent owns the client, every method runs on the event loop goroutine.
type agent struct {
	log    *log2.Log
	client *iotconnect.Client
	fired  map[iothub.Handle]int
}

func newAgent(log *log2.Log, client *iotconnect.Client) *agent {
	return &agent{
		log:    log,
		client: client,
		fired:  make(map[iothub.Handle]int),
	}
}

func (self *agent) exec(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return ""
	}
	var err error
	var result string
	switch parts[0] {
	case "status":
		result = self.status()
	case "send":
		payload := strings.TrimSpace(strings.TrimPrefix(line, "send"))
		if payload == "" {
			return "usage: send PAYLOAD"
		}
		err = self.client.Send([]byte(payload))
	case "telemetry":
		err = self.telemetry(parts[1:])
	case "timer":
		result, err = self.timer(parts[1:])
	case "connect":
		err = self.client.Connect()
	case "disconnect":
		err = self.client.Disconnect()
	case "help":
		result = helpText
	default:
		return fmt.Sprintf("unknown command '%s', try help", parts[0])
	}
	if err != nil {
		return "error: " + err.Error()
	}
	if result == "" {
		result = "ok"
	}
	return result
}

const helpText = `status
send PAYLOAD
telemetry KEY=VALUE...
timer add SEC | timer set HANDLE SEC | timer del HANDLE
connect
disconnect`

func (self *agent) status() string {
	hub := self.client.Hub()
	poll, active := hub.PollInterval()
	sess := self.client.Session()
	return fmt.Sprintf("auth=%s session=%s sid=%s poll=%d/%t timers=%d",
		hub.Status().String(), self.client.State().String(), sess.ID, poll, active, hub.TimersInUse())
}

func (self *agent) telemetry(args []string) error {
	if len(args) == 0 {
		return errors.NotValidf("telemetry without values")
	}
	values := make(map[string]interface{}, len(args))
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return errors.NotValidf("telemetry value '%s'", arg)
		}
		if f, err := strconv.ParseFloat(kv[1], 64); err == nil {
			values[kv[0]] = f
		} else {
			values[kv[0]] = kv[1]
		}
	}
	return self.client.SendTelemetry(values)
}

func (self *agent) timer(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.NotValidf("timer usage")
	}
	ints := make([]int, 0, 2)
	for _, s := range args[1:] {
		i, err := strconv.Atoi(s)
		if err != nil {
			return "", errors.NotValidf("timer argument '%s'", s)
		}
		ints = append(ints, i)
	}
	hub := self.client.Hub()
	switch {
	case len(args) == 2 && args[0] == "add":
		var h iothub.Handle
		var err error
		h, err = hub.AddTimer(ints[0], func() { self.onTimer(h) })
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("handle=%d", h), nil
	case len(args) == 3 && args[0] == "set":
		return "", hub.SetTimerInterval(iothub.Handle(ints[0]), ints[1])
	case len(args) == 2 && args[0] == "del":
		delete(self.fired, iothub.Handle(ints[0]))
		return "", hub.DeleteTimer(iothub.Handle(ints[0]))
	}
	return "", errors.NotValidf("timer usage")
}

func (self *agent) onTimer(h iothub.Handle) {
	self.fired[h]++
	self.log.Infof("timer handle=%d fired=%d at %s", h, self.fired[h], time.Now().Format(time.Stamp))
}
