package phone

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

func (p *Phone) connect(creds signaling.Credentials) error {
	p.log.Debug("Phone.Connect",
		slog.String("uri", creds.URI),
		slog.String("server", creds.Server),
		slog.String("state", p.connection.Current()))

	if p.h.transport != nil {
		p.quiesce()
	}

	p.h.gen++
	handler := &transportEvents{gen: p.h.gen, queue: p.queue}
	tr, err := p.factory(creds, handler)
	if err != nil {
		p.log.Error("Phone.Connect create transport failed", slog.String("error", err.Error()))
		p.setConnection(evtFail)
		return newError("Connect", CodeTransport, errors.Wrap(err, "create transport"))
	}
	p.h.transport = tr

	if err := tr.Start(); err != nil {
		p.log.Error("Phone.Connect start failed", slog.String("error", err.Error()))
		p.releaseTransport()
		p.setConnection(evtFail)
		return newError("Connect", CodeTransport, errors.Wrap(err, "start transport"))
	}

	if d := p.opts.RegistrationTimeout; d > 0 {
		gen := p.h.gen
		p.h.regTimer = time.AfterFunc(d, func() {
			p.queue.push(evRegistrationTimeout{gen: gen})
		})
	}
	return nil
}

// quiesce снимает регистрацию и останавливает предыдущий транспорт.
// Сессия старого транспорта бросается вместе с ним.
func (p *Phone) quiesce() {
	tr := p.h.transport
	if tr.IsRegistered() {
		if err := tr.Unregister(); err != nil {
			p.log.Warn("Phone.quiesce unregister failed", slog.String("error", err.Error()))
		}
	}
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
	p.releaseTransport()
	p.setConnection(evtDisconnected)
}

func (p *Phone) disconnect() {
	p.log.Debug("Phone.Disconnect",
		slog.String("state", p.connection.Current()),
		slog.String("call", p.call.String()))

	p.releaseSession()
	p.setCall(evtEnd, Idle{})
	p.releaseTransport()
	p.setConnection(evtDisconnected)
}

// releaseTransport останавливает транспорт и делает его события устаревшими
func (p *Phone) releaseTransport() {
	if p.h.regTimer != nil {
		p.h.regTimer.Stop()
		p.h.regTimer = nil
	}
	tr := p.h.transport
	if tr == nil {
		return
	}
	p.h.transport = nil
	p.h.gen++
	// останавливаем и неподключенный транспорт: сокет уже может быть открыт
	if err := tr.Stop(); err != nil {
		p.log.Warn("Phone.releaseTransport stop failed",
			slog.Bool("connected", tr.IsConnected()),
			slog.String("error", err.Error()))
	}
}

func (p *Phone) onLifecycle(gen uint64, event string, cause error) {
	if gen != p.h.gen || p.h.transport == nil {
		p.metrics.droppedEvents.WithLabelValues("transport").Inc()
		p.log.Debug("Phone.onLifecycle stale event",
			slog.String("event", event),
			slog.Uint64("gen", gen),
			slog.Uint64("current", p.h.gen))
		return
	}

	attrs := []any{slog.String("event", event), slog.String("state", p.connection.Current())}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	p.log.Debug("Phone.onLifecycle", attrs...)

	if event == evtFail {
		p.log.Warn("Phone registration failed", attrs...)
	}
	// таймер ждет исхода регистрации: connected, disconnected или отказ
	if event != evtConnecting && p.h.regTimer != nil {
		p.h.regTimer.Stop()
		p.h.regTimer = nil
	}
	p.setConnection(event)
}

func (p *Phone) onRegistrationTimeout(gen uint64) {
	if gen != p.h.gen || p.h.transport == nil {
		return
	}
	p.h.regTimer = nil
	state := ConnectionState(p.connection.Current())
	if state == Connected || state == Error {
		return
	}
	p.log.Warn("Phone registration timeout",
		slog.String("state", state.String()),
		slog.Duration("timeout", p.opts.RegistrationTimeout))
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
	p.releaseTransport()
	p.setConnection(evtFail)
}

func (p *Phone) setConnection(event string) {
	if _, err := fire(p.connection, event); err != nil {
		p.log.Error("Phone.setConnection", slog.String("error", err.Error()))
		return
	}
	p.metrics.setConnection(ConnectionState(p.connection.Current()))
}
