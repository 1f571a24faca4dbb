package phone

import (
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/fakesignaling"
)

var testCreds = signaling.Credentials{
	URI:      "sip:100@example.com",
	Server:   "wss://example.com:8089/ws",
	Password: "secret",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPhone(t *testing.T, opts ...Option) (*Phone, *fakesignaling.Factory) {
	t.Helper()
	f := &fakesignaling.Factory{}
	p := New(f.New, append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

// connectPhone проводит ядро до состояния connected
func connectPhone(t *testing.T, p *Phone, f *fakesignaling.Factory) *fakesignaling.Transport {
	t.Helper()
	require.NoError(t, p.Connect(testCreds))
	tr := f.Last()
	require.NotNil(t, tr)
	tr.EmitConnecting()
	tr.EmitConnected()
	p.flush()
	require.Equal(t, Connected, p.ConnectionState())
	return tr
}

// recorder запоминает все опубликованные снимки
type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func record(p *Phone) *recorder {
	r := &recorder{}
	p.OnStateChange(func(s Snapshot) {
		r.mu.Lock()
		r.snapshots = append(r.snapshots, s)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots...)
}

func (r *recorder) calls() []CallState {
	var out []CallState
	for _, s := range r.all() {
		out = append(out, s.Call)
	}
	return out
}

type sinkRecorder struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (s *sinkRecorder) Attach(track signaling.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, track.StreamID)
	return nil
}

func (s *sinkRecorder) Detach(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, streamID)
}

func (s *sinkRecorder) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached), len(s.detached)
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("начальное состояние", func(t *testing.T) {
		p, _ := newTestPhone(t)
		assert.Equal(t, Disconnected, p.ConnectionState())
		assert.Equal(t, Idle{}, p.CallState())
	})

	t.Run("connect и события транспорта", func(t *testing.T) {
		p, f := newTestPhone(t)
		require.NoError(t, p.Connect(testCreds))
		tr := f.Last()
		require.True(t, tr.Started())
		assert.Equal(t, testCreds, tr.Credentials())

		tr.EmitConnecting()
		p.flush()
		assert.Equal(t, Connecting, p.ConnectionState())

		tr.EmitConnected()
		p.flush()
		assert.Equal(t, Connected, p.ConnectionState())

		tr.EmitDisconnected(errors.New("socket closed"))
		p.flush()
		assert.Equal(t, Disconnected, p.ConnectionState())
	})

	t.Run("registrationFailed из любого состояния дает error", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		tr.EmitRegistrationFailed(errors.New("403 Forbidden"))
		p.flush()
		assert.Equal(t, Error, p.ConnectionState())

		tr.EmitRegistrationFailed(errors.New("403 Forbidden"))
		p.flush()
		assert.Equal(t, Error, p.ConnectionState())
	})

	t.Run("registrationFailed не трогает вызов", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		tr.Incoming(signaling.RemoteIdentity{User: "987"})
		tr.EmitRegistrationFailed(errors.New("401"))
		p.flush()
		assert.Equal(t, Error, p.ConnectionState())
		assert.Equal(t, StatusIncoming, p.CallState().Status())
	})
}

func TestConnectionStateFollowsAnyEventSequence(t *testing.T) {
	p, f := newTestPhone(t)
	require.NoError(t, p.Connect(testCreds))
	tr := f.Last()

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		var want ConnectionState
		switch rnd.Intn(4) {
		case 0:
			tr.EmitConnecting()
			want = Connecting
		case 1:
			tr.EmitConnected()
			want = Connected
		case 2:
			tr.EmitDisconnected(nil)
			want = Disconnected
		case 3:
			tr.EmitRegistrationFailed(errors.New("rejected"))
			want = Error
		}
		p.flush()
		require.Equal(t, want, p.ConnectionState(), "step %d", i)
	}
}

func TestConnectFailures(t *testing.T) {
	t.Run("ошибка создания транспорта", func(t *testing.T) {
		p, f := newTestPhone(t)
		f.NewErr = errors.New("malformed URI")

		err := p.Connect(testCreds)
		require.Error(t, err)
		assert.Equal(t, CodeTransport, CodeOf(err))
		assert.Equal(t, Error, p.ConnectionState())

		var pe *PhoneError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "Connect", pe.Op)
		assert.ErrorContains(t, pe.Err, "malformed URI")
		assert.Equal(t, ConnectionState("error"), Error, "состояние error не затенено типом ошибки")
	})

	t.Run("ошибка запуска транспорта", func(t *testing.T) {
		p, f := newTestPhone(t)
		f.StartErr = errors.New("dial failed")

		err := p.Connect(testCreds)
		require.Error(t, err)
		assert.Equal(t, CodeTransport, CodeOf(err))
		assert.Equal(t, Error, p.ConnectionState())
		assert.Equal(t, 1, f.Last().StopCount())
	})

	t.Run("повторный connect после ошибки", func(t *testing.T) {
		p, f := newTestPhone(t)
		f.NewErr = errors.New("malformed URI")
		require.Error(t, p.Connect(testCreds))

		f.NewErr = nil
		connectPhone(t, p, f)
	})
}

func TestReconnectQuiescesPreviousTransport(t *testing.T) {
	p, f := newTestPhone(t)
	old := connectPhone(t, p, f)

	require.NoError(t, p.Connect(testCreds))
	require.Len(t, f.Transports(), 2)
	assert.Equal(t, 1, old.UnregisterCount())
	assert.Equal(t, 1, old.StopCount())
	assert.Equal(t, Disconnected, p.ConnectionState())

	cur := f.Last()
	cur.EmitConnecting()
	p.flush()
	assert.Equal(t, Connecting, p.ConnectionState())

	t.Run("события старого транспорта игнорируются", func(t *testing.T) {
		old.EmitConnected()
		old.EmitRegistrationFailed(errors.New("late"))
		old.Incoming(signaling.RemoteIdentity{User: "555"})
		p.flush()
		assert.Equal(t, Connecting, p.ConnectionState())
		assert.Equal(t, Idle{}, p.CallState())
	})

	t.Run("неподключенный транспорт не снимает регистрацию", func(t *testing.T) {
		require.NoError(t, p.Connect(testCreds))
		assert.Equal(t, 0, cur.UnregisterCount())
		assert.Equal(t, 1, cur.StopCount())
	})
}

func TestDisconnectDuringCall(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)
	require.NoError(t, p.StartCall("555-0101", nil))
	session := tr.LastSession()
	session.EmitAccepted()
	p.flush()
	require.Equal(t, StatusInCall, p.CallState().Status())

	rec := record(p)
	require.NoError(t, p.Disconnect())

	assert.Equal(t, Disconnected, p.ConnectionState())
	assert.Equal(t, Idle{}, p.CallState())
	assert.Equal(t, []Snapshot{{Connection: Disconnected, Call: Idle{}}}, rec.all())
	// сессия бросается вместе с транспортом
	assert.Nil(t, session.Terminated())
	assert.Equal(t, 1, tr.StopCount())

	session.EmitEnded(nil)
	p.flush()
	assert.Len(t, rec.all(), 1)
}

func TestOutboundCall(t *testing.T) {
	t.Run("сценарий 555-0101", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)

		require.NoError(t, p.StartCall("555-0101", nil))
		assert.Equal(t, []string{"sip:555-0101@example.com"}, tr.Targets())
		session := tr.LastSession()
		require.NotNil(t, session)
		assert.Equal(t, signaling.AudioOnly, session.Media())

		want := InCall{Contact: Contact{Name: "555-0101", Number: "555-0101"}}
		assert.Equal(t, want, p.CallState())

		session.EmitAccepted()
		p.flush()
		assert.Equal(t, want, p.CallState())
	})

	t.Run("контакт из книги", func(t *testing.T) {
		p, f := newTestPhone(t)
		connectPhone(t, p, f)
		c := &Contact{Name: "Alice", Number: "200", AvatarURL: "https://example.com/a.png"}

		require.NoError(t, p.StartCall("200", c))
		assert.Equal(t, InCall{Contact: *c}, p.CallState())
	})

	t.Run("без подключения состояние не меняется", func(t *testing.T) {
		p, f := newTestPhone(t)
		err := p.StartCall("555-0101", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, Idle{}, p.CallState())

		require.NoError(t, p.Connect(testCreds))
		f.Last().EmitConnecting()
		p.flush()
		assert.ErrorIs(t, p.StartCall("555-0101", nil), ErrNotConnected)
		assert.Equal(t, Idle{}, p.CallState())
		assert.Empty(t, f.Last().Targets())
	})

	t.Run("ошибка создания сессии", func(t *testing.T) {
		p, f := newTestPhone(t)
		f.CallErr = errors.New("no registration")
		connectPhone(t, p, f)

		err := p.StartCall("555-0101", nil)
		require.Error(t, err)
		assert.Equal(t, CodeSessionCreate, CodeOf(err))
		assert.Equal(t, Idle{}, p.CallState())
	})

	t.Run("пустой номер", func(t *testing.T) {
		p, f := newTestPhone(t)
		connectPhone(t, p, f)
		assert.ErrorIs(t, p.StartCall("  ", nil), ErrInvalidNumber)
		assert.Equal(t, Idle{}, p.CallState())
	})

	t.Run("одна линия", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		require.NoError(t, p.StartCall("100", nil))
		assert.ErrorIs(t, p.StartCall("200", nil), ErrCallInProgress)
		assert.Len(t, tr.Targets(), 1)
	})

	t.Run("failed до ответа", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		require.NoError(t, p.StartCall("100", nil))
		tr.LastSession().EmitFailed(errors.New("486 Busy Here"))
		p.flush()
		assert.Equal(t, Idle{}, p.CallState())
	})
}

func TestInboundCall(t *testing.T) {
	t.Run("входящий от Jane", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		tr.Incoming(signaling.RemoteIdentity{DisplayName: "Jane", User: "987"})
		p.flush()
		assert.Equal(t, Incoming{Contact: Contact{Name: "Jane", Number: "987"}}, p.CallState())
	})

	t.Run("без имени и номера", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		tr.Incoming(signaling.RemoteIdentity{})
		p.flush()
		assert.Equal(t, Incoming{Contact: Contact{Name: "unknown", Number: "unknown"}}, p.CallState())
	})

	t.Run("accept ждет события accepted", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{DisplayName: "Jane", User: "987"})
		p.flush()

		require.NoError(t, p.AcceptCall())
		n, media := session.Answers()
		assert.Equal(t, 1, n)
		assert.Equal(t, signaling.AudioOnly, media)
		assert.Equal(t, StatusIncoming, p.CallState().Status())

		session.EmitAccepted()
		p.flush()
		assert.Equal(t, InCall{Contact: Contact{Name: "Jane", Number: "987"}}, p.CallState())
	})

	t.Run("ошибка answer", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{User: "987"})
		session.AnswerErr = errors.New("media failure")
		p.flush()

		err := p.AcceptCall()
		assert.Equal(t, CodeSession, CodeOf(err))
		assert.Equal(t, StatusIncoming, p.CallState().Status())
	})

	t.Run("decline", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{User: "987"})
		p.flush()

		require.NoError(t, p.EndCall())
		assert.Equal(t, Idle{}, p.CallState())
		require.NotNil(t, session.Terminated())
		assert.Equal(t, 603, session.Terminated().StatusCode)
	})

	t.Run("удаленная отмена", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{User: "987"})
		session.EmitFailed(errors.New("CANCEL"))
		p.flush()
		assert.Equal(t, Idle{}, p.CallState())
	})
}

func TestAcceptCallIsNoopOutsideIncoming(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)
	rec := record(p)

	require.NoError(t, p.AcceptCall())
	assert.Empty(t, rec.all())

	require.NoError(t, p.StartCall("100", nil))
	session := tr.LastSession()
	before := len(rec.all())
	require.NoError(t, p.AcceptCall())
	n, _ := session.Answers()
	assert.Zero(t, n)
	assert.Len(t, rec.all(), before)
}

func TestSessionEnd(t *testing.T) {
	t.Run("ended и повторный ended", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{User: "987"})
		session.EmitAccepted()
		p.flush()
		require.Equal(t, StatusInCall, p.CallState().Status())

		rec := record(p)
		session.EmitEnded(nil)
		p.flush()
		assert.Equal(t, Idle{}, p.CallState())
		assert.Nil(t, p.h.session)

		session.EmitEnded(nil)
		session.EmitFailed(errors.New("late"))
		p.flush()
		assert.Equal(t, Idle{}, p.CallState())
		assert.Len(t, rec.all(), 1)
	})

	t.Run("accepted и ended дают два перехода", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		session := tr.Incoming(signaling.RemoteIdentity{DisplayName: "Jane", User: "987"})
		p.flush()

		rec := record(p)
		session.EmitAccepted()
		session.EmitEnded(nil)
		p.flush()

		assert.Equal(t, []CallState{
			InCall{Contact: Contact{Name: "Jane", Number: "987"}},
			Idle{},
		}, rec.calls())
	})

	t.Run("hangup", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		require.NoError(t, p.StartCall("100", nil))
		session := tr.LastSession()
		session.EmitAccepted()
		p.flush()

		require.NoError(t, p.EndCall())
		assert.Equal(t, Idle{}, p.CallState())
		require.NotNil(t, session.Terminated())
		assert.Zero(t, session.Terminated().StatusCode)

		// ended, сгенерированный Terminate, уже ничего не меняет
		p.flush()
		assert.Equal(t, Idle{}, p.CallState())
		require.NoError(t, p.StartCall("200", nil))
		assert.Equal(t, StatusInCall, p.CallState().Status())
	})

	t.Run("hangup уже завершенной сессии", func(t *testing.T) {
		p, f := newTestPhone(t)
		tr := connectPhone(t, p, f)
		require.NoError(t, p.StartCall("100", nil))
		session := tr.LastSession()

		// сессия уже завершена удаленной стороной
		session.EmitEnded(nil)
		require.NoError(t, p.EndCall())
		assert.Nil(t, session.Terminated())
		assert.Equal(t, Idle{}, p.CallState())
	})

	t.Run("hangup в idle", func(t *testing.T) {
		p, _ := newTestPhone(t)
		rec := record(p)
		require.NoError(t, p.EndCall())
		assert.Empty(t, rec.all())
	})
}

func TestToggleMute(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)
	session := tr.Incoming(signaling.RemoteIdentity{DisplayName: "Jane", User: "987"})
	session.EmitAccepted()
	p.flush()
	require.NoError(t, p.ToggleSpeaker())

	require.NoError(t, p.ToggleMute())
	assert.Equal(t, InCall{Contact: Contact{Name: "Jane", Number: "987"}, Muted: true, Speaker: true}, p.CallState())
	assert.True(t, session.Muted())

	require.NoError(t, p.ToggleMute())
	assert.Equal(t, InCall{Contact: Contact{Name: "Jane", Number: "987"}, Muted: false, Speaker: true}, p.CallState())
	assert.False(t, session.Muted())

	t.Run("ошибка сессии не меняет флаг", func(t *testing.T) {
		session.MuteErr = errors.New("no sender")
		err := p.ToggleMute()
		assert.Equal(t, CodeSession, CodeOf(err))
		assert.False(t, p.CallState().(InCall).Muted)
	})

	t.Run("вне вызова", func(t *testing.T) {
		session.EmitEnded(nil)
		p.flush()
		require.NoError(t, p.ToggleMute())
		require.NoError(t, p.ToggleSpeaker())
		assert.Equal(t, Idle{}, p.CallState())
	})
}

func TestMuteBeforeAnswerIsCleared(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)
	require.NoError(t, p.StartCall("100", nil))
	session := tr.LastSession()

	require.NoError(t, p.ToggleMute())
	require.True(t, session.Muted())

	session.EmitAccepted()
	p.flush()
	assert.False(t, p.CallState().(InCall).Muted)
	assert.False(t, session.Muted())
}

func TestSendTone(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)

	require.NoError(t, p.SendTone("1"))

	require.NoError(t, p.StartCall("100", nil))
	session := tr.LastSession()
	session.EmitAccepted()
	p.flush()
	state := p.CallState()

	require.NoError(t, p.SendTone("5"))
	require.NoError(t, p.SendTone("#a"))
	assert.Equal(t, []string{"5", "#A"}, session.Tones())

	err := p.SendTone("x")
	assert.ErrorIs(t, err, signaling.ErrInvalidTone)

	session.DTMFErr = errors.New("INFO rejected")
	err = p.SendTone("9")
	assert.Equal(t, CodeSession, CodeOf(err))
	assert.Equal(t, state, p.CallState())
}

func TestSecondInboundSessionIsRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, f := newTestPhone(t, WithRegisterer(reg))
	tr := connectPhone(t, p, f)
	first := tr.Incoming(signaling.RemoteIdentity{DisplayName: "Jane", User: "987"})
	p.flush()

	second := tr.Incoming(signaling.RemoteIdentity{DisplayName: "Bob", User: "555"})
	p.flush()

	require.NotNil(t, second.Terminated())
	assert.Equal(t, 486, second.Terminated().StatusCode)
	assert.Nil(t, first.Terminated())
	assert.Equal(t, Incoming{Contact: Contact{Name: "Jane", Number: "987"}}, p.CallState())
	assert.Equal(t, 1.0, gatherValue(t, reg, "webphone_busy_rejected_total"))

	// удерживается первая сессия
	first.EmitAccepted()
	p.flush()
	assert.Equal(t, StatusInCall, p.CallState().Status())
}

func TestRegistrationTimeout(t *testing.T) {
	t.Run("нет connected", func(t *testing.T) {
		p, f := newTestPhone(t, WithRegistrationTimeout(20*time.Millisecond))
		require.NoError(t, p.Connect(testCreds))
		tr := f.Last()
		tr.EmitConnecting()

		require.Eventually(t, func() bool {
			return p.ConnectionState() == Error
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, tr.StopCount())
	})

	t.Run("connected вовремя", func(t *testing.T) {
		p, f := newTestPhone(t, WithRegistrationTimeout(20*time.Millisecond))
		connectPhone(t, p, f)
		time.Sleep(60 * time.Millisecond)
		p.flush()
		assert.Equal(t, Connected, p.ConnectionState())
	})

	t.Run("disconnected отменяет таймер", func(t *testing.T) {
		p, f := newTestPhone(t, WithRegistrationTimeout(20*time.Millisecond))
		require.NoError(t, p.Connect(testCreds))
		tr := f.Last()
		tr.EmitConnecting()
		tr.EmitDisconnected(errors.New("network unreachable"))
		p.flush()
		require.Equal(t, Disconnected, p.ConnectionState())

		time.Sleep(60 * time.Millisecond)
		p.flush()
		assert.Equal(t, Disconnected, p.ConnectionState())
		assert.Equal(t, 0, tr.StopCount())
	})

	t.Run("registrationFailed отменяет таймер", func(t *testing.T) {
		p, f := newTestPhone(t, WithRegistrationTimeout(20*time.Millisecond))
		require.NoError(t, p.Connect(testCreds))
		tr := f.Last()
		tr.EmitConnecting()
		tr.EmitRegistrationFailed(errors.New("403 Forbidden"))
		p.flush()
		require.Equal(t, Error, p.ConnectionState())

		time.Sleep(60 * time.Millisecond)
		p.flush()
		assert.Equal(t, 0, tr.StopCount(), "транспорт не останавливается по таймеру")
	})
}

func TestCallSetupTimeout(t *testing.T) {
	p, f := newTestPhone(t, WithCallSetupTimeout(20*time.Millisecond))
	tr := connectPhone(t, p, f)
	require.NoError(t, p.StartCall("100", nil))
	session := tr.LastSession()

	require.Eventually(t, func() bool {
		return p.CallState() == CallState(Idle{})
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, session.Terminated())

	t.Run("принятый вызов не прерывается", func(t *testing.T) {
		require.NoError(t, p.StartCall("200", nil))
		tr.LastSession().EmitAccepted()
		time.Sleep(60 * time.Millisecond)
		p.flush()
		assert.Equal(t, StatusInCall, p.CallState().Status())
	})
}

func TestPeerConnectionAttachesOnce(t *testing.T) {
	sink := &sinkRecorder{}
	p, f := newTestPhone(t, WithSink(sink))
	tr := connectPhone(t, p, f)
	require.NoError(t, p.StartCall("100", nil))
	session := tr.LastSession()

	track := signaling.Track{ID: "audio-1", StreamID: "stream-1", Kind: "audio"}
	session.EmitPeerConnection(track)
	session.EmitPeerConnection(track)
	p.flush()
	attached, detached := sink.counts()
	assert.Equal(t, 1, attached)
	assert.Zero(t, detached)

	session.EmitEnded(nil)
	p.flush()
	attached, detached = sink.counts()
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, detached)

	// события после освобождения не привязывают медиа
	session.EmitPeerConnection(track)
	p.flush()
	attached, _ = sink.counts()
	assert.Equal(t, 1, attached)
}

func TestClose(t *testing.T) {
	p, f := newTestPhone(t)
	tr := connectPhone(t, p, f)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, tr.StopCount())
	assert.Equal(t, Disconnected, p.ConnectionState())

	err := p.StartCall("100", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, CodeClosed, CodeOf(err))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, f := newTestPhone(t, WithRegisterer(reg))
	tr := connectPhone(t, p, f)

	require.NoError(t, p.StartCall("100", nil))
	tr.LastSession().EmitAccepted()
	tr.LastSession().EmitEnded(nil)
	p.flush()

	assert.Equal(t, 1.0, gatherValue(t, reg, "webphone_calls_total"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "webphone_call_outcomes_total"))
	// одно активное состояние подключения
	assert.Equal(t, 1.0, gatherValue(t, reg, "webphone_connection_state"))
	assert.Positive(t, gatherValue(t, reg, "webphone_state_transitions_total"))
}
