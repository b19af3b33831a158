package basic

import (
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
	"github.com/temoto/inputevent-go"
	"github.com/temoto/iotc-agent/eventloop"
	"github.com/temoto/iotc-agent/iotconnect"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
	"github.com/temoto/iotc-agent/outbox"
	"github.com/temoto/spq"
)

var testTime = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeLed struct{ states []bool }

func (l *fakeLed) Set(on bool) error { l.states = append(l.states, on); return nil }
func (l *fakeLed) Close() error      { return nil }

type testEnv struct {
	t         testing.TB
	loop      *eventloop.Mock
	net       *netif.Mock
	transport *iothub.MockTransport
	client    *iotconnect.Client
	app       *App
	led       *fakeLed
}

func newTestEnv(t testing.TB, ob *outbox.Outbox, duration time.Duration) *testEnv {
	log := log2.NewTest(t, log2.LDebug)
	env := &testEnv{
		t:         t,
		loop:      eventloop.NewMock(),
		net:       &netif.Mock{},
		transport: &iothub.MockTransport{},
		led:       &fakeLed{},
	}
	env.client = iotconnect.NewClient(log)
	env.client.NewID = func() string { return "cid1" }
	env.client.Now = func() time.Time { return testTime }
	env.app = New(log, env.client, ob, env.led, Options{
		Interval: 5 * time.Second,
		Duration: duration,
		Rand:     rand.New(rand.NewSource(1)),
	})
	env.app.Now = func() time.Time { return testTime }
	config := iotconnect.Config{Hub: iothub.Config{
		Netif:     "wlan0",
		ScopeID:   "scope1",
		Transport: env.transport,
		Network:   env.net,
		NewLoop:   func() (eventloop.Loop, error) { return env.loop, nil },
		NewTimer:  env.loop.NewTimer,
	}}
	env.app.Attach(&config)
	require.NoError(t, env.client.Init(config))
	require.NoError(t, env.app.Start())
	return env
}

func (env *testEnv) step(sec int) {
	env.t.Helper()
	env.loop.Advance(sec)
	require.NoError(env.t, env.client.Poll(0))
}

func (env *testEnv) connect() *iothub.MockConn {
	env.t.Helper()
	env.net.SetOnline()
	env.step(1)
	conn := env.transport.Last()
	require.NotNil(env.t, conn)
	conn.Authenticate()
	env.step(0)
	conn.Deliver([]byte(`{"d":{"ct":200,"ec":0,"cid":"cid1","sid":"S1","dtg":"D1"}}`))
	env.step(0)
	require.True(env.t, env.client.IsConnected())
	return conn
}

type sentTelemetry struct {
	SessionID string `json:"sid"`
	MsgType   int    `json:"mt"`
	Items     []struct {
		Time string                 `json:"dt"`
		Data map[string]interface{} `json:"d"`
	} `json:"d"`
}

func telemetryOf(t testing.TB, conn *iothub.MockConn) []sentTelemetry {
	result := []sentTelemetry{}
	for _, m := range conn.Sent {
		var tm sentTelemetry
		require.NoError(t, json.Unmarshal(m.Payload, &tm))
		if tm.MsgType == 0 && tm.SessionID != "" {
			result = append(result, tm)
		}
	}
	return result
}

func TestTelemetryConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, 0)
	conn := env.connect()
	assert.Len(t, telemetryOf(t, conn), 0)

	env.step(4)
	tms := telemetryOf(t, conn)
	require.Len(t, tms, 1)
	assert.Equal(t, "S1", tms[0].SessionID)
	require.Len(t, tms[0].Items, 1)
	assert.Contains(t, tms[0].Items[0].Data, "temperature")
	assert.Contains(t, tms[0].Items[0].Data, "humidity")
	assert.False(t, env.app.Done())
}

func TestTelemetryOfflineDropped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, 0)
	env.step(5)
	conn := env.connect()
	assert.Len(t, telemetryOf(t, conn), 0)
	assert.Equal(t, 0, env.app.Flush())
}

func TestDuration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, 10*time.Second)
	env.connect()
	env.step(4)
	assert.False(t, env.app.Done())
	env.step(5)
	assert.True(t, env.app.Done())
}

func TestOfflineOutbox(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	ob, err := outbox.Open(log, spq.OnlyForTesting)
	require.NoError(t, err)
	defer ob.Close()

	env := newTestEnv(t, ob, 0)
	env.step(5)
	conn := env.connect()

	deadline := time.Now().Add(5 * time.Second)
	for len(telemetryOf(t, conn)) == 0 {
		require.True(t, time.Now().Before(deadline), "outbox flush timeout")
		env.app.Flush()
		time.Sleep(time.Millisecond)
	}
	tms := telemetryOf(t, conn)
	require.Len(t, tms, 1)
	assert.Equal(t, testTime.Format(time.RFC3339), tms[0].Items[0].Time)
	assert.Contains(t, tms[0].Items[0].Data, "temperature")
}

func TestCommands(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, 0)
	conn := env.connect()

	conn.Deliver([]byte(`{"cmdType":"0x01","data":{"led":true}}`))
	env.step(0)
	conn.DeliverTwin([]byte(`{"led":false}`))
	env.step(0)
	conn.DeliverTwin([]byte(`{"other":1}`))
	env.step(0)
	assert.Equal(t, []bool{true, false}, env.led.states)

	conn.Deliver([]byte(`{"cmdType":"0x02","data":{"url":"x"}}`))
	env.step(0)
	assert.False(t, env.app.Done())
	conn.Deliver([]byte(`{"cmdType":"0x99"}`))
	env.step(0)
	assert.True(t, env.app.Done())
	assert.False(t, env.client.IsConnected())
}

func TestButton(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, 0)
	conn := env.connect()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	pressed := []uint16{}
	b := NewButton(log2.NewTest(t, log2.LDebug), r, func(code uint16) {
		pressed = append(pressed, code)
		env.app.OnButton(code)
	})
	defer b.Close()
	require.NoError(t, env.client.Hub().WatchFd(b.Fd(), b.OnReadable))

	for _, v := range []inputevent.KeyEventState{inputevent.KeyStateDown, inputevent.KeyStateUp} {
		ie := inputevent.InputEvent{Type: evKey, Code: 28, Value: int32(v)}
		require.NoError(t, binary.Write(w, binary.LittleEndian, ie))
		env.loop.Trigger(b.Fd())
		env.step(0)
	}
	assert.Equal(t, []uint16{28}, pressed)
	tms := telemetryOf(t, conn)
	require.Len(t, tms, 1)
	assert.Equal(t, float64(28), tms[0].Items[0].Data["button"])
}

func TestGpioLed(t *testing.T) {
	t.Parallel()
	chip := &gpio_mock.MockChip{}
	lines := &gpio_mock.MockLines{}
	got := []byte{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, gpioConsumer, uint32(8)).Return(lines, nil)
	lines.On("SetFunc", uint32(8)).Return(gpio.LineSetFunc(func(v byte) { got = append(got, v) }))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)
	chip.On("Close").Return(nil)

	led, err := NewGpioLed(chip, 8)
	require.NoError(t, err)
	require.NoError(t, led.Set(true))
	require.NoError(t, led.Set(false))
	require.NoError(t, led.Close())
	assert.Equal(t, []byte{1, 0}, got)
	chip.AssertExpectations(t)
	lines.AssertExpectations(t)
}
