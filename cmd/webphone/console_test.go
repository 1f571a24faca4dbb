package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/fakesignaling"
)

func newTestConsole(t *testing.T) (*console, *fakesignaling.Factory, *bytes.Buffer) {
	t.Helper()
	f := &fakesignaling.Factory{}
	ph := phone.New(f.New, phone.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = ph.Close() })

	book := &config.Book{}
	book.Add("Jane Doe", "987")

	out := &bytes.Buffer{}
	return &console{
		phone: ph,
		book:  book,
		out:   out,
		creds: signaling.Credentials{URI: "sip:100@example.com", Server: "wss://example.com/ws"},
	}, f, out
}

func waitConnection(t *testing.T, c *console, want phone.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.phone.State().Connection == want
	}, time.Second, 5*time.Millisecond)
}

func TestConsoleCallFlow(t *testing.T) {
	c, f, out := newTestConsole(t)

	quit, err := c.execute("connect")
	require.NoError(t, err)
	assert.False(t, quit)
	tr := f.Last()
	require.NotNil(t, tr)
	assert.Equal(t, "sip:100@example.com", tr.Credentials().URI)
	tr.EmitConnected()
	waitConnection(t, c, phone.Connected)

	_, err = c.execute("call jane doe")
	require.NoError(t, err)
	assert.Equal(t, []string{"sip:987@example.com"}, tr.Targets())

	state, ok := c.phone.State().Call.(phone.InCall)
	require.True(t, ok)
	assert.Equal(t, phone.Contact{Name: "Jane Doe", Number: "987"}, state.Contact)

	tr.LastSession().EmitAccepted()
	require.Eventually(t, func() bool {
		s, ok := c.phone.State().Call.(phone.InCall)
		return ok && s.Contact.Number == "987"
	}, time.Second, 5*time.Millisecond)

	_, err = c.execute("mute")
	require.NoError(t, err)
	_, err = c.execute("dtmf 1 2 #")
	require.NoError(t, err)
	assert.Equal(t, []string{"12#"}, tr.LastSession().Tones())

	_, err = c.execute("status")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[connected] in call with Jane Doe <987> [muted]")

	_, err = c.execute("hangup")
	require.NoError(t, err)
	assert.Equal(t, phone.StatusIdle, c.phone.State().Call.Status())

	quit, err = c.execute("quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestConsoleUnknownNumberAndErrors(t *testing.T) {
	c, f, _ := newTestConsole(t)

	_, err := c.execute("call 555")
	assert.ErrorIs(t, err, phone.ErrNotConnected)

	_, err = c.execute("connect")
	require.NoError(t, err)
	f.Last().EmitConnected()
	waitConnection(t, c, phone.Connected)

	_, err = c.execute("call")
	assert.Error(t, err)
	_, err = c.execute("dtmf")
	assert.Error(t, err)
	_, err = c.execute("transfer 1")
	assert.ErrorIs(t, err, errUnknownCommand)

	_, err = c.execute("call 555")
	require.NoError(t, err)
	assert.Equal(t, []string{"sip:555@example.com"}, f.Last().Targets())

	quit, err := c.execute("   ")
	assert.NoError(t, err)
	assert.False(t, quit)
}

func TestConsoleContacts(t *testing.T) {
	c, _, out := newTestConsole(t)
	_, err := c.execute("contacts")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Jane Doe")
	assert.Contains(t, out.String(), "987")

	out.Reset()
	_, err = c.execute("help")
	require.NoError(t, err)
	assert.Equal(t, helpText, out.String())
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   phone.Snapshot
		want string
	}{
		{"простой", phone.Snapshot{Connection: phone.Disconnected, Call: phone.Idle{}}, "[disconnected] idle"},
		{
			"входящий",
			phone.Snapshot{Connection: phone.Connected, Call: phone.Incoming{Contact: phone.Contact{Name: "Jane", Number: "987"}}},
			"[connected] incoming call from Jane <987>",
		},
		{
			"имя совпадает с номером",
			phone.Snapshot{Connection: phone.Connected, Call: phone.InCall{Contact: phone.Contact{Name: "555", Number: "555"}, Speaker: true}},
			"[connected] in call with 555 [speaker]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, render(tt.in))
		})
	}
}
