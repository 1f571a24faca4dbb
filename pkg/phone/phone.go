package phone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/signaling"
)

// handles владеющий контекст ядра: единственный транспорт и единственная
// сессия. Изменяется только на горутине цикла.
type handles struct {
	transport signaling.Transport
	// gen поколение транспорта, увеличивается при каждой замене или освобождении
	gen      uint64
	regTimer *time.Timer

	session  *sessionRef
	attached map[string]struct{}
}

// Phone ядро софтфона: контроллер подключения и адаптер вызова,
// обслуживаемые одной горутиной.
type Phone struct {
	factory signaling.Factory
	opts    Options
	log     *slog.Logger
	metrics *metrics

	queue *eventQueue
	done  chan struct{}

	// поля ниже принадлежат горутине цикла
	h          handles
	connection *fsm.FSM
	callFSM    *fsm.FSM
	call       CallState

	mu        sync.RWMutex
	snapshot  Snapshot
	observers map[int]func(Snapshot)
	nextObs   int

	closeOnce sync.Once
}

// New создает ядро и запускает горутину обработки событий.
// factory создает транспорт при каждом Connect.
func New(factory signaling.Factory, opts ...Option) *Phone {
	o := buildOptions(opts)
	p := &Phone{
		factory:   factory,
		opts:      o,
		log:       o.Logger,
		metrics:   newMetrics(o.Registerer),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
		call:      Idle{},
		observers: make(map[int]func(Snapshot)),
	}
	p.connection = newConnectionFSM(p.onTransition("connection"))
	p.callFSM = newCallFSM(p.onTransition("call"))
	p.snapshot = Snapshot{Connection: Disconnected, Call: Idle{}}

	go p.loop()
	return p
}

func (p *Phone) onTransition(machine string) fsm.Callback {
	return func(_ context.Context, e *fsm.Event) {
		p.metrics.transitions.WithLabelValues(machine, e.Src, e.Dst).Inc()
		p.log.Debug("Phone.transition",
			slog.String("machine", machine),
			slog.String("event", e.Event),
			slog.String("from", e.Src),
			slog.String("to", e.Dst))
	}
}

// State возвращает последний опубликованный снимок состояния
func (p *Phone) State() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

func (p *Phone) ConnectionState() ConnectionState {
	return p.State().Connection
}

func (p *Phone) CallState() CallState {
	return p.State().Call
}

// OnStateChange подписывает fn на изменения состояния. fn вызывается на
// горутине цикла для каждого перехода по порядку и не должна блокировать.
// Возвращает функцию отписки.
func (p *Phone) OnStateChange(fn func(Snapshot)) (cancel func()) {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// Connect заменяет текущий транспорт новым с учетными данными creds.
// Ошибка создания или запуска отражается состоянием error и возвращается.
func (p *Phone) Connect(creds signaling.Credentials) error {
	return p.do("Connect", func() error { return p.connect(creds) })
}

// Disconnect останавливает транспорт; вызов, если он есть, бросается.
func (p *Phone) Disconnect() error {
	return p.do("Disconnect", func() error { p.disconnect(); return nil })
}

// StartCall звонит на number. contact nil - контакт синтезируется из номера.
func (p *Phone) StartCall(number string, contact *Contact) error {
	return p.do("StartCall", func() error { return p.dial(number, contact) })
}

// AcceptCall отвечает на входящий вызов. Переход в in-call произойдет по
// событию accepted сессии.
func (p *Phone) AcceptCall() error {
	return p.do("AcceptCall", p.accept)
}

// EndCall завершает или отклоняет текущий вызов
func (p *Phone) EndCall() error {
	return p.do("EndCall", func() error { p.hangup(); return nil })
}

func (p *Phone) ToggleMute() error {
	return p.do("ToggleMute", p.toggleMute)
}

func (p *Phone) ToggleSpeaker() error {
	return p.do("ToggleSpeaker", func() error { p.toggleSpeaker(); return nil })
}

// SendTone отправляет DTMF в текущий вызов. Состояние не меняется.
func (p *Phone) SendTone(tones string) error {
	return p.do("SendTone", func() error { return p.sendTone(tones) })
}

// Close останавливает транспорт и цикл. Повторный вызов безопасен.
func (p *Phone) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.do("Close", func() error { p.shutdown(); return nil })
		p.queue.close()
		<-p.done
	})
	return err
}

// do выполняет fn на горутине цикла и ждет результат
func (p *Phone) do(op string, fn func() error) error {
	cmd := command{op: op, fn: fn, result: make(chan error, 1)}
	if !p.queue.push(cmd) {
		return newError(op, CodeClosed, ErrClosed)
	}
	select {
	case err := <-cmd.result:
		return err
	case <-p.done:
		return newError(op, CodeClosed, ErrClosed)
	}
}

// flush ждет обработки всех ранее поставленных в очередь событий
func (p *Phone) flush() {
	_ = p.do("flush", func() error { return nil })
}

func (p *Phone) loop() {
	defer close(p.done)
	for {
		item, ok := p.queue.pop()
		if !ok {
			return
		}
		if cmd, isCmd := item.(command); isCmd {
			// снимок публикуется до ответа, чтобы вызывающий видел результат команды
			err := cmd.fn()
			p.publish()
			cmd.result <- err
			continue
		}
		p.dispatch(item)
		p.publish()
	}
}

func (p *Phone) dispatch(item any) {
	switch ev := item.(type) {
	case evConnecting:
		p.onLifecycle(ev.gen, evtConnecting, nil)
	case evConnected:
		p.onLifecycle(ev.gen, evtConnected, nil)
	case evDisconnected:
		p.onLifecycle(ev.gen, evtDisconnected, ev.cause)
	case evRegistrationFailed:
		p.onLifecycle(ev.gen, evtFail, ev.cause)
	case evRegistrationTimeout:
		p.onRegistrationTimeout(ev.gen)
	case evNewSession:
		p.onNewSession(ev)
	case evAccepted:
		p.onAccepted(ev.ref)
	case evEnded:
		p.onSessionEnd(ev.ref, "ended", ev.cause)
	case evFailed:
		p.onSessionEnd(ev.ref, "failed", ev.cause)
	case evPeerConnection:
		p.onPeerConnection(ev.ref, ev.tracks)
	case evSetupTimeout:
		p.onSetupTimeout(ev.ref)
	default:
		p.log.Warn("Phone.dispatch unknown item")
	}
}

// publish рассылает снимок наблюдателям, если он изменился
func (p *Phone) publish() {
	next := Snapshot{
		Connection: ConnectionState(p.connection.Current()),
		Call:       p.call,
	}

	p.mu.Lock()
	if next == p.snapshot {
		p.mu.Unlock()
		return
	}
	p.snapshot = next
	observers := make([]func(Snapshot), 0, len(p.observers))
	for id := 0; id < p.nextObs; id++ {
		if fn, ok := p.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
}

func (p *Phone) shutdown() {
	p.releaseSession()
	p.setCall(evtEnd, Idle{})
	p.releaseTransport()
	p.setConnection(evtDisconnected)
}
