// Package fakesignaling управляемая из тестов реализация pkg/signaling.
//
// Транспорт ничего не отправляет в сеть: тест сам генерирует события
// (EmitConnected, Incoming, EmitAccepted и т.д.) и проверяет, какие команды
// вызвало ядро.
package fakesignaling

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

// Factory создает Transport и запоминает все созданные экземпляры.
type Factory struct {
	mu sync.Mutex

	// NewErr возвращается из New вместо транспорта
	NewErr error
	// StartErr возвращается из Start созданного транспорта
	StartErr error
	// CallErr возвращается из Call созданного транспорта
	CallErr error
	// Host хост аккаунта, по умолчанию "example.com"
	Host string

	transports []*Transport
}

// New реализует signaling.Factory
func (f *Factory) New(creds signaling.Credentials, handler signaling.TransportHandler) (signaling.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NewErr != nil {
		return nil, f.NewErr
	}

	host := f.Host
	if host == "" {
		host = "example.com"
	}
	tr := &Transport{
		creds:    creds,
		handler:  handler,
		host:     host,
		startErr: f.StartErr,
		callErr:  f.CallErr,
	}
	f.transports = append(f.transports, tr)
	return tr, nil
}

// Transports возвращает все созданные транспорты в порядке создания
func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Last возвращает последний созданный транспорт или nil
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Transport тестовый транспорт
type Transport struct {
	creds   signaling.Credentials
	handler signaling.TransportHandler
	host    string

	mu          sync.Mutex
	startErr    error
	callErr     error
	started     bool
	stopped     int
	unregisters int
	registered  bool
	connected   bool
	sessions    []*Session
	targets     []string
}

var _ signaling.Transport = (*Transport)(nil)

// Credentials возвращает учетные данные, с которыми создан транспорт
func (t *Transport) Credentials() signaling.Credentials {
	return t.creds
}

func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started = true
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	t.stopped++
	t.connected = false
	t.registered = false
	t.mu.Unlock()

	t.handler.OnDisconnected(nil)
	return nil
}

func (t *Transport) Unregister() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisters++
	t.registered = false
	return nil
}

func (t *Transport) IsRegistered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Host() string {
	return t.host
}

func (t *Transport) Call(target string, opts signaling.CallOptions) (signaling.Session, error) {
	t.mu.Lock()
	t.targets = append(t.targets, target)
	if t.callErr != nil {
		t.mu.Unlock()
		return nil, t.callErr
	}
	s := newSession(signaling.Outgoing, signaling.RemoteIdentity{})
	s.media = opts.Media
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()

	if opts.Handler != nil {
		s.Bind(opts.Handler)
	}
	return s, nil
}

// Started запущен ли транспорт
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// StopCount сколько раз вызывался Stop
func (t *Transport) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// UnregisterCount сколько раз вызывался Unregister
func (t *Transport) UnregisterCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unregisters
}

// Targets target URI всех вызовов Call
func (t *Transport) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.targets...)
}

// Sessions все сессии транспорта (исходящие и входящие)
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// LastSession последняя созданная сессия или nil
func (t *Transport) LastSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// EmitConnecting генерирует событие connecting
func (t *Transport) EmitConnecting() {
	t.handler.OnConnecting()
}

// EmitConnected генерирует событие connected и помечает транспорт
// подключенным и зарегистрированным
func (t *Transport) EmitConnected() {
	t.mu.Lock()
	t.connected = true
	t.registered = true
	t.mu.Unlock()
	t.handler.OnConnected()
}

// EmitDisconnected генерирует событие disconnected
func (t *Transport) EmitDisconnected(cause error) {
	t.mu.Lock()
	t.connected = false
	t.registered = false
	t.mu.Unlock()
	t.handler.OnDisconnected(cause)
}

// EmitRegistrationFailed генерирует событие registrationFailed
func (t *Transport) EmitRegistrationFailed(cause error) {
	t.mu.Lock()
	t.registered = false
	t.mu.Unlock()
	t.handler.OnRegistrationFailed(cause)
}

// Incoming генерирует входящую сессию
func (t *Transport) Incoming(remote signaling.RemoteIdentity) *Session {
	s := newSession(signaling.Incoming, remote)
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()

	t.handler.OnNewSession(s, signaling.Incoming, remote)
	return s
}

// ErrTerminated причина завершения, которую сессия сообщает после Terminate
var ErrTerminated = errors.New("terminated locally")

// Session тестовая сессия. Terminate синхронно генерирует ended (если
// сессия была принята) или failed, как настоящий UA.
type Session struct {
	id        string
	direction signaling.Direction
	remote    signaling.RemoteIdentity

	mu        sync.Mutex
	handler   signaling.SessionHandler
	media     signaling.MediaOptions
	accepted  bool
	ended     bool
	answers   int
	answered  signaling.MediaOptions
	terminate *signaling.TerminateOptions
	muted     bool
	tones     []string

	// AnswerErr, MuteErr, DTMFErr возвращаются из соответствующих команд
	AnswerErr error
	MuteErr   error
	DTMFErr   error
}

var _ signaling.Session = (*Session)(nil)

func newSession(dir signaling.Direction, remote signaling.RemoteIdentity) *Session {
	return &Session{
		id:        uuid.NewString(),
		direction: dir,
		remote:    remote,
	}
}

func (s *Session) ID() string                               { return s.id }
func (s *Session) Direction() signaling.Direction           { return s.direction }
func (s *Session) RemoteIdentity() signaling.RemoteIdentity { return s.remote }

func (s *Session) Bind(handler signaling.SessionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Session) Answer(opts signaling.MediaOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AnswerErr != nil {
		return s.AnswerErr
	}
	s.answers++
	s.answered = opts
	return nil
}

func (s *Session) Terminate(opts signaling.TerminateOptions) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return errors.New("session already ended")
	}
	s.ended = true
	s.terminate = &opts
	accepted := s.accepted
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	if accepted {
		h.OnEnded(ErrTerminated)
	} else {
		h.OnFailed(ErrTerminated)
	}
	return nil
}

func (s *Session) Mute(opts signaling.MediaOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MuteErr != nil {
		return s.MuteErr
	}
	s.muted = true
	return nil
}

func (s *Session) Unmute(opts signaling.MediaOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MuteErr != nil {
		return s.MuteErr
	}
	s.muted = false
	return nil
}

func (s *Session) SendDTMF(tones string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DTMFErr != nil {
		return s.DTMFErr
	}
	s.tones = append(s.tones, tones)
	return nil
}

func (s *Session) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Answers сколько раз вызывался Answer и с какими опциями последний раз
func (s *Session) Answers() (int, signaling.MediaOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers, s.answered
}

// Terminated опции Terminate или nil, если Terminate не вызывался
func (s *Session) Terminated() *signaling.TerminateOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminate
}

// Muted текущее состояние mute
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Media опции, с которыми создана исходящая сессия
func (s *Session) Media() signaling.MediaOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// Tones все отправленные DTMF
func (s *Session) Tones() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tones...)
}

// EmitAccepted генерирует событие accepted
func (s *Session) EmitAccepted() {
	s.mu.Lock()
	s.accepted = true
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnAccepted()
	}
}

// EmitEnded генерирует событие ended
func (s *Session) EmitEnded(cause error) {
	s.mu.Lock()
	s.ended = true
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnEnded(cause)
	}
}

// EmitFailed генерирует событие failed
func (s *Session) EmitFailed(cause error) {
	s.mu.Lock()
	s.ended = true
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnFailed(cause)
	}
}

// EmitPeerConnection сообщает об удаленных треках
func (s *Session) EmitPeerConnection(tracks ...signaling.Track) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnPeerConnection(tracks)
	}
}
