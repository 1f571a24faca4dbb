package phone

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	// коды отказа для входящей сессии
	declineCode   = 603
	declineReason = "Decline"
	busyCode      = 486
	busyReason    = "Busy Here"
)

// setCall выполняет событие автомата вызова и, если переход допустим,
// устанавливает новое значение CallState.
func (p *Phone) setCall(event string, next CallState) bool {
	ok, err := fire(p.callFSM, event)
	if err != nil {
		p.log.Error("Phone.setCall", slog.String("event", event), slog.String("error", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	p.call = next
	return true
}

// hold сохраняет сессию как единственную активную
func (p *Phone) hold(ref *sessionRef) {
	p.h.session = ref
	p.h.attached = make(map[string]struct{})
}

// releaseSession освобождает сессию без завершения: отвязывает медиа
// и останавливает таймер установления.
func (p *Phone) releaseSession() {
	ref := p.h.session
	if ref == nil {
		return
	}
	if ref.setupTimer != nil {
		ref.setupTimer.Stop()
		ref.setupTimer = nil
	}
	for streamID := range p.h.attached {
		p.opts.Sink.Detach(streamID)
	}
	p.h.session = nil
	p.h.attached = nil
}

func (p *Phone) dial(number string, contact *Contact) error {
	number = strings.TrimSpace(number)
	p.log.Debug("Phone.StartCall",
		slog.String("number", number),
		slog.String("connection", p.connection.Current()),
		slog.String("call", p.call.String()))

	if ConnectionState(p.connection.Current()) != Connected || p.h.transport == nil {
		return newError("StartCall", CodeNotConnected, ErrNotConnected)
	}
	if p.h.session != nil || p.call.Status() != StatusIdle {
		return newError("StartCall", CodeCallInProgress, ErrCallInProgress)
	}
	if number == "" {
		return newError("StartCall", CodeInvalidNumber, ErrInvalidNumber)
	}

	c := Contact{Name: number, Number: number}
	if contact != nil {
		c = *contact
	}

	target := fmt.Sprintf("sip:%s@%s", number, p.h.transport.Host())
	ref := &sessionRef{direction: signaling.Outgoing}
	session, err := p.h.transport.Call(target, signaling.CallOptions{
		Media:   signaling.AudioOnly,
		Handler: &sessionEvents{ref: ref, queue: p.queue},
	})
	if err != nil {
		p.log.Error("Phone.StartCall create session failed",
			slog.String("target", target),
			slog.String("error", err.Error()))
		p.metrics.outcomes.WithLabelValues("create_failed").Inc()
		return newError("StartCall", CodeSessionCreate, err)
	}
	ref.session = session

	p.hold(ref)
	p.setCall(evtDial, InCall{Contact: c})
	p.metrics.calls.WithLabelValues(signaling.Outgoing.String()).Inc()

	if d := p.opts.CallSetupTimeout; d > 0 {
		ref.setupTimer = time.AfterFunc(d, func() {
			p.queue.push(evSetupTimeout{ref: ref})
		})
	}
	return nil
}

func (p *Phone) onNewSession(ev evNewSession) {
	if ev.gen != p.h.gen || p.h.transport == nil {
		p.metrics.droppedEvents.WithLabelValues("transport").Inc()
		p.terminate(ev.ref, signaling.TerminateOptions{StatusCode: busyCode, Reason: busyReason})
		return
	}
	if ev.direction != signaling.Incoming {
		p.log.Debug("Phone.onNewSession ignore outgoing", slog.String("session", ev.ref.session.ID()))
		return
	}

	contact := ContactFromIdentity(ev.remote)
	ev.ref.direction = ev.direction

	// одна линия: вторая входящая сессия получает 486
	if p.h.session != nil {
		p.log.Info("Phone.onNewSession busy, rejecting",
			slog.String("session", ev.ref.session.ID()),
			slog.String("from", contact.Number),
			slog.String("call", p.call.String()))
		p.metrics.busyRejected.Inc()
		p.terminate(ev.ref, signaling.TerminateOptions{StatusCode: busyCode, Reason: busyReason})
		return
	}

	p.log.Info("Phone incoming call",
		slog.String("session", ev.ref.session.ID()),
		slog.String("name", contact.Name),
		slog.String("number", contact.Number))
	p.hold(ev.ref)
	p.setCall(evtArrive, Incoming{Contact: contact})
	p.metrics.calls.WithLabelValues(signaling.Incoming.String()).Inc()
}

func (p *Phone) accept() error {
	incoming, ok := p.call.(Incoming)
	ref := p.h.session
	if !ok || ref == nil || ref.direction != signaling.Incoming {
		p.log.Debug("Phone.AcceptCall no incoming call", slog.String("call", p.call.String()))
		return nil
	}
	p.log.Debug("Phone.AcceptCall",
		slog.String("session", ref.session.ID()),
		slog.String("number", incoming.Contact.Number))

	if err := ref.session.Answer(signaling.AudioOnly); err != nil {
		p.log.Error("Phone.AcceptCall answer failed", slog.String("error", err.Error()))
		return newError("AcceptCall", CodeSession, err)
	}
	return nil
}

func (p *Phone) onAccepted(ref *sessionRef) {
	if !p.current(ref, "accepted") {
		return
	}
	ref.accepted = true
	if ref.setupTimer != nil {
		ref.setupTimer.Stop()
		ref.setupTimer = nil
	}

	contact, ok := contactOf(p.call)
	if !ok {
		contact = ContactFromIdentity(ref.session.RemoteIdentity())
	}
	// mute до ответа снимается, чтобы флаг и медиа совпадали
	if inCall, isInCall := p.call.(InCall); isInCall && inCall.Muted {
		if err := ref.session.Unmute(signaling.AudioOnly); err != nil {
			p.log.Warn("Phone.onAccepted unmute failed", slog.String("error", err.Error()))
		}
	}
	if p.setCall(evtAccept, InCall{Contact: contact}) {
		p.metrics.outcomes.WithLabelValues("accepted").Inc()
	}
}

func (p *Phone) onSessionEnd(ref *sessionRef, outcome string, cause error) {
	if !p.current(ref, outcome) {
		return
	}
	attrs := []any{slog.String("session", ref.session.ID()), slog.String("outcome", outcome)}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	p.log.Info("Phone call finished", attrs...)

	p.metrics.outcomes.WithLabelValues(outcome).Inc()
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
}

func (p *Phone) hangup() {
	ref := p.h.session
	p.log.Debug("Phone.EndCall", slog.String("call", p.call.String()))

	switch p.call.(type) {
	case Idle:
		return
	case Incoming:
		p.terminate(ref, signaling.TerminateOptions{StatusCode: declineCode, Reason: declineReason})
		p.metrics.outcomes.WithLabelValues("declined").Inc()
	case InCall:
		if ref != nil && !ref.session.IsEnded() {
			p.terminate(ref, signaling.TerminateOptions{})
		}
		p.metrics.outcomes.WithLabelValues("hangup").Inc()
	}
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
}

func (p *Phone) onSetupTimeout(ref *sessionRef) {
	if p.h.session != ref || ref.accepted {
		return
	}
	ref.setupTimer = nil
	p.log.Warn("Phone call setup timeout",
		slog.String("session", ref.session.ID()),
		slog.Duration("timeout", p.opts.CallSetupTimeout))
	if !ref.session.IsEnded() {
		p.terminate(ref, signaling.TerminateOptions{})
	}
	p.metrics.outcomes.WithLabelValues("timeout").Inc()
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
}

func (p *Phone) toggleMute() error {
	inCall, ok := p.call.(InCall)
	ref := p.h.session
	if !ok || ref == nil {
		return nil
	}

	var err error
	if inCall.Muted {
		err = ref.session.Unmute(signaling.AudioOnly)
	} else {
		err = ref.session.Mute(signaling.AudioOnly)
	}
	if err != nil {
		p.log.Error("Phone.ToggleMute failed",
			slog.Bool("muted", inCall.Muted),
			slog.String("error", err.Error()))
		return newError("ToggleMute", CodeSession, err)
	}

	inCall.Muted = !inCall.Muted
	p.call = inCall
	return nil
}

func (p *Phone) toggleSpeaker() {
	inCall, ok := p.call.(InCall)
	if !ok {
		return
	}
	inCall.Speaker = !inCall.Speaker
	p.call = inCall
}

func (p *Phone) sendTone(tones string) error {
	if _, ok := p.call.(InCall); !ok || p.h.session == nil {
		return nil
	}
	normalized, err := signaling.NormalizeTones(tones)
	if err != nil {
		p.metrics.dtmfFailures.Inc()
		p.log.Warn("Phone.SendTone invalid tone", slog.String("tones", tones))
		return newError("SendTone", CodeSession, err)
	}
	if err := p.h.session.session.SendDTMF(normalized); err != nil {
		p.metrics.dtmfFailures.Inc()
		p.log.Error("Phone.SendTone failed",
			slog.String("tones", normalized),
			slog.String("error", err.Error()))
		return newError("SendTone", CodeSession, err)
	}
	return nil
}

func (p *Phone) onPeerConnection(ref *sessionRef, tracks []signaling.Track) {
	if !p.current(ref, "peerConnection") {
		return
	}
	for _, track := range tracks {
		key := track.StreamID
		if key == "" {
			key = track.ID
		}
		if _, ok := p.h.attached[key]; ok {
			continue
		}
		if err := p.opts.Sink.Attach(track); err != nil {
			p.log.Error("Phone.onPeerConnection attach failed",
				slog.String("stream", key),
				slog.String("error", err.Error()))
			continue
		}
		p.h.attached[key] = struct{}{}
		p.log.Debug("Phone.onPeerConnection attached",
			slog.String("stream", key),
			slog.String("kind", track.Kind))
	}
}

// current проверяет, что событие пришло от удерживаемой сессии
func (p *Phone) current(ref *sessionRef, event string) bool {
	if ref != nil && ref == p.h.session && ref.session != nil {
		return true
	}
	p.metrics.droppedEvents.WithLabelValues("session").Inc()
	p.log.Debug("Phone stale session event", slog.String("event", event))
	return false
}

func (p *Phone) terminate(ref *sessionRef, opts signaling.TerminateOptions) {
	if ref == nil || ref.session == nil {
		return
	}
	if err := ref.session.Terminate(opts); err != nil {
		p.log.Warn("Phone.terminate failed",
			slog.String("session", ref.session.ID()),
			slog.Int("code", opts.StatusCode),
			slog.String("error", err.Error()))
	}
}
