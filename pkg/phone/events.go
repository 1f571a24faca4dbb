package phone

import (
	"time"

	"github.com/arzzra/webphone/pkg/signaling"
)

// События, которые транспорт и сессии кладут в очередь ядра.
// Каждое событие транспорта несет поколение транспорта: события
// замененного или остановленного экземпляра отбрасываются.

type evConnecting struct{ gen uint64 }

type evConnected struct{ gen uint64 }

type evDisconnected struct {
	gen   uint64
	cause error
}

type evRegistrationFailed struct {
	gen   uint64
	cause error
}

type evRegistrationTimeout struct{ gen uint64 }

type evNewSession struct {
	gen       uint64
	ref       *sessionRef
	direction signaling.Direction
	remote    signaling.RemoteIdentity
}

// События сессии несут ссылку на сессию, а не саму сессию: для исходящего
// вызова ссылка заполняется после возврата Transport.Call, и события,
// пришедшие раньше, все равно будут сопоставлены при обработке.

type evAccepted struct{ ref *sessionRef }

type evEnded struct {
	ref   *sessionRef
	cause error
}

type evFailed struct {
	ref   *sessionRef
	cause error
}

type evPeerConnection struct {
	ref    *sessionRef
	tracks []signaling.Track
}

type evSetupTimeout struct{ ref *sessionRef }

// command команда UI, выполняемая на горутине цикла
type command struct {
	op     string
	fn     func() error
	result chan error
}

// sessionRef идентичность сессии внутри ядра. Поля кроме session
// изменяются только на горутине цикла.
type sessionRef struct {
	session   signaling.Session
	direction signaling.Direction
	accepted  bool

	setupTimer *time.Timer
}

// transportEvents реализует signaling.TransportHandler для одного поколения
type transportEvents struct {
	gen   uint64
	queue *eventQueue
}

var _ signaling.TransportHandler = (*transportEvents)(nil)

func (h *transportEvents) OnConnecting() {
	h.queue.push(evConnecting{gen: h.gen})
}

func (h *transportEvents) OnConnected() {
	h.queue.push(evConnected{gen: h.gen})
}

func (h *transportEvents) OnDisconnected(cause error) {
	h.queue.push(evDisconnected{gen: h.gen, cause: cause})
}

func (h *transportEvents) OnRegistrationFailed(cause error) {
	h.queue.push(evRegistrationFailed{gen: h.gen, cause: cause})
}

func (h *transportEvents) OnNewSession(session signaling.Session, direction signaling.Direction, remote signaling.RemoteIdentity) {
	ref := &sessionRef{session: session}
	// Bind синхронно, до любых событий этой сессии
	session.Bind(&sessionEvents{ref: ref, queue: h.queue})
	h.queue.push(evNewSession{gen: h.gen, ref: ref, direction: direction, remote: remote})
}

// sessionEvents реализует signaling.SessionHandler для одной сессии
type sessionEvents struct {
	ref   *sessionRef
	queue *eventQueue
}

var _ signaling.SessionHandler = (*sessionEvents)(nil)

func (h *sessionEvents) OnAccepted() {
	h.queue.push(evAccepted{ref: h.ref})
}

func (h *sessionEvents) OnEnded(cause error) {
	h.queue.push(evEnded{ref: h.ref, cause: cause})
}

func (h *sessionEvents) OnFailed(cause error) {
	h.queue.push(evFailed{ref: h.ref, cause: cause})
}

func (h *sessionEvents) OnPeerConnection(tracks []signaling.Track) {
	h.queue.push(evPeerConnection{ref: h.ref, tracks: append([]signaling.Track(nil), tracks...)})
}
