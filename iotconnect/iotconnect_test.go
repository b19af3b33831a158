package iotconnect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotc-agent/eventloop"
	"github.com/temoto/iotc-agent/iothub"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/iotc-agent/netif"
)

type testEnv struct {
	t         testing.TB
	c         *Client
	loop      *eventloop.Mock
	net       *netif.Mock
	transport *iothub.MockTransport
	statuses  []ConnectionStatus
	auth      []iothub.AuthStatus
	commands  []Command
	messages  []string
	ids       int
}

func newTestEnv(t testing.TB) *testEnv {
	env := &testEnv{
		t:         t,
		loop:      eventloop.NewMock(),
		net:       &netif.Mock{},
		transport: &iothub.MockTransport{},
	}
	env.c = NewClient(log2.NewTest(t, log2.LDebug))
	env.c.NewID = func() string {
		env.ids++
		return fmt.Sprintf("cid%d", env.ids)
	}
	env.c.Now = func() time.Time { return time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC) }
	config := Config{
		Hub: iothub.Config{
			Netif:        "wlan0",
			ScopeID:      "scope1",
			Transport:    env.transport,
			Network:      env.net,
			NewLoop:      func() (eventloop.Loop, error) { return env.loop, nil },
			NewTimer:     env.loop.NewTimer,
			OnAuthStatus: func(s iothub.AuthStatus) { env.auth = append(env.auth, s) },
		},
		OnStatus:  func(s ConnectionStatus) { env.statuses = append(env.statuses, s) },
		OnCommand: func(c Command) { env.commands = append(env.commands, c) },
		OnMessage: func(b []byte) { env.messages = append(env.messages, string(b)) },
	}
	require.NoError(t, env.c.Init(config))
	return env
}

func (env *testEnv) step(sec int) {
	env.t.Helper()
	env.loop.Advance(sec)
	require.NoError(env.t, env.c.Poll(0))
}

func (env *testEnv) conn() *iothub.MockConn { return env.transport.Last() }

// authenticate brings hub to Authenticated, hello is sent.
func (env *testEnv) authenticate() *iothub.MockConn {
	env.t.Helper()
	env.net.SetOnline()
	env.step(1)
	conn := env.conn()
	require.NotNil(env.t, conn)
	conn.Authenticate()
	env.step(0)
	require.Equal(env.t, iothub.Authenticated, env.c.Hub().Status())
	return conn
}

func (env *testEnv) helloResponse(cid, sid, dtg string) []byte {
	b, err := json.Marshal(map[string]interface{}{
		"d": map[string]interface{}{"ct": 200, "ec": 0, "cid": cid, "sid": sid, "dtg": dtg},
	})
	require.NoError(env.t, err)
	return b
}

func sentHellos(t testing.TB, conn *iothub.MockConn) []helloRequest {
	var hs []helloRequest
	for _, m := range conn.Sent {
		var h helloRequest
		require.NoError(t, json.Unmarshal(m.Payload, &h))
		if h.MsgType == msgTypeHello {
			hs = append(hs, h)
		}
	}
	return hs
}

func TestScenarioSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.authenticate()
	assert.Equal(t, StateHelloSent, env.c.State())
	require.Len(t, conn.Sent, 1)
	assert.JSONEq(t, `{"mt":200,"cid":"cid1","sid":""}`, string(conn.Sent[0].Payload))
	assert.Equal(t, ContentType, conn.Sent[0].ContentType)
	assert.NotEqual(t, iothub.NoHandle, env.c.RetryTimer())
	timers := env.c.Hub().TimersInUse()

	conn.Deliver(env.helloResponse("cid1", "S1", "D1"))
	env.step(0)
	assert.Equal(t, []ConnectionStatus{Connected}, env.statuses)
	assert.Equal(t, Session{ID: "S1", RoutingToken: "D1", Connected: true}, env.c.Session())
	assert.Equal(t, StateSessionActive, env.c.State())
	assert.Equal(t, iothub.NoHandle, env.c.RetryTimer())
	assert.Equal(t, timers-1, env.c.Hub().TimersInUse())
	assert.Empty(t, env.messages, "hello response must not be forwarded")

	require.NoError(t, env.c.Send([]byte(`{"x":1}`)))

	// duplicate response changes nothing
	conn.Deliver(env.helloResponse("cid1", "S2", "D2"))
	env.step(0)
	assert.Equal(t, []ConnectionStatus{Connected}, env.statuses)
	assert.Equal(t, "S1", env.c.Session().ID)
	assert.Equal(t, timers-1, env.c.Hub().TimersInUse())
}

func TestHelloMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"no-sid", `{"d":{"ct":200,"ec":0,"cid":"cid1","dtg":"D1"}}`},
		{"no-dtg", `{"d":{"ct":200,"ec":0,"cid":"cid1","sid":"S1"}}`},
		{"error-code", `{"d":{"ct":200,"ec":3,"cid":"cid1","sid":"S1","dtg":"D1"}}`},
		{"other-cid", `{"d":{"ct":200,"ec":0,"cid":"old","sid":"S1","dtg":"D1"}}`},
		{"long-sid", fmt.Sprintf(`{"d":{"ct":200,"ec":0,"sid":"%080d","dtg":"D1"}}`, 0)},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.authenticate()
			conn.Deliver([]byte(c.payload))
			env.step(0)
			assert.False(t, env.c.IsConnected())
			assert.Equal(t, StateHelloSent, env.c.State())
			assert.Empty(t, env.statuses)
			assert.NotEqual(t, iothub.NoHandle, env.c.RetryTimer())

			// retry timer re-sends hello with fresh correlation id
			env.step(DefaultHelloRetrySec)
			hs := sentHellos(t, conn)
			require.Len(t, hs, 2)
			assert.Equal(t, "cid2", hs[1].CorrID)

			conn.Deliver(env.helloResponse("cid2", "S1", "D1"))
			env.step(0)
			assert.True(t, env.c.IsConnected())
			assert.Equal(t, []ConnectionStatus{Connected}, env.statuses)
		})
	}
}

func TestHelloWithoutCorrelationID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.authenticate()
	conn.Deliver([]byte(`{"d":{"ct":200,"ec":0,"sid":"S1","dtg":"D1"}}`))
	env.step(0)
	assert.True(t, env.c.IsConnected())
}

func TestScenarioDeauthentication(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.authenticate()
	conn.Deliver(env.helloResponse("cid1", "S1", "D1"))
	env.step(0)
	require.True(t, env.c.IsConnected())

	mark := len(env.auth)
	conn.Deauthenticate(iothub.ReasonBadCredential)
	env.step(0)
	env.step(0)
	assert.Equal(t, []iothub.AuthStatus{iothub.NotAuthenticated}, env.auth[mark:])
	assert.Equal(t, iothub.NotAuthenticated, env.c.Hub().Status())
	assert.Equal(t, []ConnectionStatus{Connected, Disconnected}, env.statuses)
	assert.Equal(t, Session{}, env.c.Session())
	sec, ok := env.c.Hub().PollInterval()
	require.True(t, ok)
	assert.Equal(t, 1, sec)

	// re-authentication starts new handshake
	env.step(1)
	conn2 := env.conn()
	require.True(t, conn != conn2)
	conn2.Authenticate()
	env.step(0)
	assert.Equal(t, StateHelloSent, env.c.State())
	hs := sentHellos(t, conn2)
	require.Len(t, hs, 1)
	assert.Equal(t, "cid2", hs[0].CorrID)
}

func TestDisconnectWhileConnected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.authenticate()
	baseline := 0
	conn.Deliver(env.helloResponse("cid1", "S1", "D1"))
	env.step(0)
	_, err := env.c.Hub().AddTimer(10, func() {})
	require.NoError(t, err)

	require.NoError(t, env.c.Disconnect())
	env.step(0)
	env.step(1)
	assert.Equal(t, []ConnectionStatus{Connected, Disconnected}, env.statuses)
	assert.Equal(t, baseline, env.c.Hub().TimersInUse())
	assert.Equal(t, 0, env.loop.OpenTimers())
	assert.True(t, conn.Destroyed)
	assert.Equal(t, StateDisconnected, env.c.State())

	require.NoError(t, env.c.Connect())
	env.step(1)
	env.conn().Authenticate()
	env.step(0)
	assert.Equal(t, StateHelloSent, env.c.State())
}

func TestDisconnectFromTimerCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.authenticate()
	require.Equal(t, StateHelloSent, env.c.State())
	require.NotEqual(t, iothub.NoHandle, env.c.RetryTimer())
	during := -1
	_, err := env.c.Hub().AddTimer(1, func() {
		require.NoError(t, env.c.Disconnect())
		during = env.c.Hub().TimersInUse()
	})
	require.NoError(t, err)
	armed := env.c.Hub().TimersInUse()

	env.step(1)
	assert.Equal(t, armed, during, "timers must stay registered until teardown")
	assert.Equal(t, iothub.NoHandle, env.c.RetryTimer())
	env.step(0)
	assert.Equal(t, []ConnectionStatus{Disconnected}, env.statuses)
	assert.Equal(t, 0, env.c.Hub().TimersInUse())
	assert.Equal(t, 0, env.loop.OpenTimers())
	assert.Equal(t, StateDisconnected, env.c.State())
}

func TestCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.authenticate()
	conn.Deliver(env.helloResponse("cid1", "S1", "D1"))
	env.step(0)

	conn.Deliver([]byte(`{"cmdType":"0x01","data":{"led":"on"}}`))
	conn.Deliver([]byte(`{"cmdType":"0x02","data":{"urls":["u"]}}`))
	conn.Deliver([]byte(`plain text`))
	env.step(0)
	require.Len(t, env.commands, 2)
	assert.Equal(t, CmdDevice, env.commands[0].Type)
	assert.JSONEq(t, `{"led":"on"}`, string(env.commands[0].Data))
	assert.Equal(t, CmdOTA, env.commands[1].Type)
	assert.Len(t, env.messages, 3)
	assert.True(t, env.c.IsConnected())

	conn.Deliver([]byte(`{"cmdType":"0x99","data":{}}`))
	env.step(0)
	require.Len(t, env.commands, 3)
	assert.Equal(t, CmdClose, env.commands[2].Type)
	assert.Equal(t, []ConnectionStatus{Connected, Disconnected}, env.statuses)
	assert.Equal(t, iothub.NotAuthenticated, env.c.Hub().Status())
	assert.True(t, conn.Destroyed)
	assert.Equal(t, 0, env.c.Hub().TimersInUse())
}

func TestTelemetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	err := env.c.SendTelemetry(map[string]interface{}{"temp": 21})
	assert.Equal(t, iothub.ErrInvalidState, errors.Cause(err))

	conn := env.authenticate()
	err = env.c.SendTelemetry(map[string]interface{}{"temp": 21})
	assert.Equal(t, iothub.ErrInvalidState, errors.Cause(err))

	conn.Deliver(env.helloResponse("cid1", "S1", "D1"))
	env.step(0)
	require.NoError(t, env.c.SendTelemetry(map[string]interface{}{"temp": 21}))
	assert.JSONEq(t,
		`{"sid":"S1","dtg":"D1","mt":0,"dt":"2020-01-02T03:04:05Z","d":[{"dt":"2020-01-02T03:04:05Z","d":{"temp":21}}]}`,
		string(conn.LastSent()))

	at := time.Date(2020, 1, 2, 3, 0, 0, 0, time.UTC)
	require.NoError(t, env.c.SendTelemetryJSON(json.RawMessage(`{"hum":50}`), at))
	assert.JSONEq(t,
		`{"sid":"S1","dtg":"D1","mt":0,"dt":"2020-01-02T03:04:05Z","d":[{"dt":"2020-01-02T03:00:00Z","d":{"hum":50}}]}`,
		string(conn.LastSent()))
	err = env.c.SendTelemetryJSON(nil, at)
	assert.Equal(t, iothub.ErrInvalidParam, errors.Cause(err))
}

func TestInitFailure(t *testing.T) {
	t.Parallel()

	c := NewClient(log2.NewTest(t, log2.LDebug))
	err := c.Init(Config{})
	assert.Equal(t, iothub.ErrInvalidParam, errors.Cause(err))

	loop := eventloop.NewMock()
	loop.TimerErr = fmt.Errorf("emfile")
	err = c.Init(Config{Hub: iothub.Config{
		Netif:     "wlan0",
		ScopeID:   "s",
		Transport: &iothub.MockTransport{},
		Network:   &netif.Mock{},
		NewLoop:   func() (eventloop.Loop, error) { return loop, nil },
		NewTimer:  loop.NewTimer,
	}})
	assert.Equal(t, iothub.ErrResourceNotAvailable, errors.Cause(err))
	assert.True(t, loop.IsClosed())
}
