package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotc-agent/eventloop"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
)

func TestAgentExec(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	loop := eventloop.NewMock()
	net := &netif.Mock{}
	transport := &iothub.MockTransport{}
	client := iotconnect.NewClient(log)
	client.NewID = func() string { return "cid1" }
	require.NoError(t, client.Init(iotconnect.Config{Hub: iothub.Config{
		Netif:     "wlan0",
		ScopeID:   "scope1",
		Transport: transport,
		Network:   net,
		NewLoop:   func() (eventloop.Loop, error) { return loop, nil },
		NewTimer:  loop.NewTimer,
	}}))
	ag := newAgent(log, client)
	step := func(sec int) {
		loop.Advance(sec)
		require.NoError(t, client.Poll(0))
	}

	assert.Equal(t, "auth=NotAuthenticated session=disconnected sid= poll=1/true timers=1", ag.exec("status"))
	assert.Contains(t, ag.exec("send {}"), "error: ")
	assert.Equal(t, "usage: send PAYLOAD", ag.exec("send"))
	assert.Equal(t, "unknown command 'bogus', try help", ag.exec("bogus"))
	assert.Equal(t, helpText, ag.exec("help"))
	assert.Equal(t, "", ag.exec("   "))

	net.SetOnline()
	step(1)
	conn := transport.Last()
	require.NotNil(t, conn)
	conn.Authenticate()
	step(0)
	conn.Deliver([]byte(`{"d":{"ct":200,"ec":0,"cid":"cid1","sid":"S1","dtg":"D1"}}`))
	step(0)
	require.True(t, client.IsConnected())

	assert.Equal(t, "ok", ag.exec(`send {"x":1}`))
	assert.Equal(t, `{"x":1}`, string(conn.LastSent()))

	assert.Equal(t, "ok", ag.exec("telemetry temp=21.5 mode=eco"))
	var tm struct {
		Items []struct {
			Data map[string]interface{} `json:"d"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(conn.LastSent(), &tm))
	require.Len(t, tm.Items, 1)
	assert.Equal(t, map[string]interface{}{"temp": 21.5, "mode": "eco"}, tm.Items[0].Data)
	assert.Contains(t, ag.exec("telemetry"), "not valid")
	assert.Contains(t, ag.exec("telemetry novalue"), "not valid")

	assert.Equal(t, "handle=1", ag.exec("timer add 2"))
	assert.Equal(t, "ok", ag.exec("timer set 1 3"))
	step(3)
	assert.Equal(t, 1, ag.fired[1])
	assert.Equal(t, "ok", ag.exec("timer del 1"))
	assert.Contains(t, ag.exec("timer add x"), "not valid")
	assert.Contains(t, ag.exec("timer"), "not valid")

	assert.Equal(t, "ok", ag.exec("disconnect"))
	assert.False(t, client.IsConnected())
}
