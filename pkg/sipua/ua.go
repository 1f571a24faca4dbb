package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling"
)

// unregisterTimeout Unregister выполняется внутри команды ядра и не должен
// задерживать ее на полный таймаут транзакции
const unregisterTimeout = 5 * time.Second

var (
	ErrBadURI        = errors.New("invalid signaling URI")
	ErrNotStarted    = errors.New("user agent not started")
	ErrStarted       = errors.New("user agent already started")
	ErrNotRegistered = errors.New("not registered")
)

// Factory создает UA для ядра телефона. Метод New совместим с signaling.Factory.
type Factory struct {
	opts []Option
}

func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) New(creds signaling.Credentials, handler signaling.TransportHandler) (signaling.Transport, error) {
	return New(creds, handler, f.opts...)
}

// UA сигнальный транспорт поверх sipgo: регистрация, исходящие и входящие
// вызовы одного аккаунта.
type UA struct {
	cfg      Config
	log      *slog.Logger
	handler  signaling.TransportHandler
	aor      sip.Uri
	password string
	endpoint Endpoint

	mu        sync.Mutex
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
	contact   sip.ContactHeader
	localIP   net.IP
	conn      net.PacketConn
	sessions  map[string]*Session
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	wg        sync.WaitGroup

	registered atomic.Bool
	connected  atomic.Bool
}

var _ signaling.Transport = (*UA)(nil)

// New проверяет учетные данные и создает UA. Сеть не используется до Start.
func New(creds signaling.Credentials, handler signaling.TransportHandler, opts ...Option) (*UA, error) {
	if handler == nil {
		return nil, errors.New("nil transport handler")
	}
	aor, err := parseAOR(creds.URI)
	if err != nil {
		return nil, err
	}
	ep, err := ParseEndpoint(creds.Server)
	if err != nil {
		return nil, err
	}

	cfg := buildConfig(opts)
	return &UA{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("aor", aor.String())),
		handler:  handler,
		aor:      aor,
		password: creds.Password,
		endpoint: ep,
		sessions: make(map[string]*Session),
	}, nil
}

// parseAOR разбирает sip:user@realm
func parseAOR(raw string) (sip.Uri, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		raw = "sip:" + raw
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(ErrBadURI, "%s: %v", raw, err)
	}
	if uri.User == "" || uri.Host == "" {
		return sip.Uri{}, errors.Wrapf(ErrBadURI, "%s: user and host required", raw)
	}
	return uri, nil
}

// Start поднимает стек sipgo и запускает регистрацию. Результат регистрации
// приходит событиями обработчика.
func (u *UA) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return ErrStarted
	}

	localIP := u.cfg.MediaIP
	if localIP == nil {
		localIP = outboundIP(u.endpoint.HostPort())
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(u.cfg.UserAgent))
	if err != nil {
		return errors.Wrap(err, "new user agent")
	}

	clientOpts := []sipgo.ClientOption{sipgo.WithClientHostname(localIP.String())}
	contactURI := sip.Uri{User: u.aor.User, Host: localIP.String()}

	var conn net.PacketConn
	if u.endpoint.Type == TransportUDP {
		conn, err = net.ListenPacket("udp", u.cfg.ListenAddr)
		if err != nil {
			_ = ua.Close()
			return errors.Wrap(err, "listen udp")
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port
		clientOpts = append(clientOpts, sipgo.WithClientPort(port))
		contactURI.Port = port
	} else {
		// потоковые транспорты: входящие запросы приходят по уже открытому соединению
		contactURI.Host = strings.ToLower(randomToken(12)) + ".invalid"
		contactURI.UriParams = sip.NewParams().Add("transport", u.endpoint.Network())
	}

	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		u.closeStack(ua, conn)
		return errors.Wrap(err, "new client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		u.closeStack(ua, conn)
		return errors.Wrap(err, "new server")
	}

	u.ua = ua
	u.client = client
	u.server = server
	u.conn = conn
	u.localIP = localIP
	u.contact = sip.ContactHeader{Address: contactURI, Params: sip.NewParams()}
	u.dialogCli = sipgo.NewDialogClientCache(client, u.contact)
	u.dialogSrv = sipgo.NewDialogServerCache(client, u.contact)
	u.ctx, u.cancel = context.WithCancel(context.Background())
	u.started = true

	u.initServerHandlers()

	u.log.Debug("UA.Start",
		slog.String("server", u.endpoint.String()),
		slog.String("contact", u.contact.Address.String()))

	if conn != nil {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			if err := server.ServeUDP(conn); err != nil && u.ctx.Err() == nil {
				u.log.Error("UA.serve udp", slog.String("error", err.Error()))
			}
		}()
	}

	u.handler.OnConnecting()

	u.wg.Add(1)
	go u.registerLoop(u.ctx)
	return nil
}

func (u *UA) closeStack(ua *sipgo.UserAgent, conn net.PacketConn) {
	if conn != nil {
		_ = conn.Close()
	}
	_ = ua.Close()
}

// Stop прерывает регистрацию и вызовы, закрывает стек и сообщает disconnected
func (u *UA) Stop() error {
	u.mu.Lock()
	if !u.started || u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.stopped = true
	u.cancel()
	sessions := make([]*Session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.sessions = make(map[string]*Session)
	conn := u.conn
	ua := u.ua
	u.mu.Unlock()

	for _, s := range sessions {
		s.drop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	err := ua.Close()
	u.wg.Wait()

	u.registered.Store(false)
	u.connected.Store(false)
	u.log.Debug("UA.Stop")
	u.handler.OnDisconnected(nil)
	return errors.Wrap(err, "close user agent")
}

// Unregister снимает регистрацию (REGISTER с Expires: 0)
func (u *UA) Unregister() error {
	u.mu.Lock()
	started, stopped := u.started, u.stopped
	u.mu.Unlock()
	if !started || stopped {
		return ErrNotStarted
	}

	timeout := u.cfg.RequestTimeout
	if timeout > unregisterTimeout {
		timeout = unregisterTimeout
	}
	ctx, cancel := context.WithTimeout(u.ctx, timeout)
	defer cancel()
	res, err := u.register(ctx, 0)
	u.registered.Store(false)
	if err != nil {
		return errors.Wrap(err, "unregister")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.Errorf("unregister rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (u *UA) IsRegistered() bool {
	return u.registered.Load()
}

func (u *UA) IsConnected() bool {
	return u.connected.Load()
}

// Host домен аккаунта для target URI исходящих вызовов
func (u *UA) Host() string {
	return u.aor.Host
}

// Call отправляет INVITE на target с audio-only offer. Ответ приходит
// событиями сессии.
func (u *UA) Call(target string, opts signaling.CallOptions) (signaling.Session, error) {
	u.mu.Lock()
	started, stopped := u.started, u.stopped
	u.mu.Unlock()
	if !started || stopped {
		return nil, ErrNotStarted
	}
	if !u.registered.Load() {
		return nil, ErrNotRegistered
	}
	if opts.Media.Video {
		u.log.Debug("UA.Call video is not supported, offering audio only")
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, errors.Wrapf(ErrBadURI, "target %s: %v", target, err)
	}

	id := uuid.NewString()
	stream, err := media.NewStream(id, u.localIP, u.log)
	if err != nil {
		return nil, err
	}
	offer, err := media.BuildOffer(stream.LocalAddr())
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	body, err := offer.Marshal()
	if err != nil {
		_ = stream.Close()
		return nil, errors.Wrap(err, "marshal offer")
	}

	s := newSession(id, signaling.Outgoing, signaling.RemoteIdentity{User: uri.User, Host: uri.Host}, stream, u)
	if opts.Handler != nil {
		s.Bind(opts.Handler)
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.invite(s, uri, body)
	}()
	return s, nil
}

// invite ведет исходящую INVITE транзакцию до финального ответа
func (u *UA) invite(s *Session, uri sip.Uri, body []byte) {
	ctx, cancel := context.WithCancel(u.ctx)
	s.setCancel(cancel)
	defer cancel()
	if s.IsEnded() {
		// Terminate успел раньше горутины: INVITE не отправляется
		return
	}

	log := u.log.With(slog.String("session", s.ID()), slog.String("target", uri.String()))
	log.Debug("UA.invite")

	// INVITE идет через сервер регистрации, а не по DNS домена target
	req := sip.NewRequest(sip.INVITE, uri)
	// без From sipgo подставит имя User-Agent вместо нашего AOR
	from := sip.FromHeader{
		Address: sip.Uri{Scheme: u.aor.Scheme, User: u.aor.User, Host: u.aor.Host},
		Params:  sip.NewParams().Add("tag", randomToken(16)),
	}
	req.AppendHeader(&from)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)
	req.SetTransport(u.endpoint.Network())
	req.SetDestination(u.endpoint.HostPort())

	dlg, err := u.dialogCli.WriteInvite(ctx, req)
	if err != nil {
		log.Warn("UA.invite send failed", slog.String("error", err.Error()))
		s.fail(errors.Wrap(err, "invite"))
		return
	}
	callID := dlg.InviteRequest.CallID().Value()
	s.setDialog(dlg, callID)
	u.track(callID, s)

	err = dlg.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: u.aor.User,
		Password: u.password,
		OnResponse: func(res *sip.Response) error {
			log.Debug("UA.invite provisional", slog.Int("code", int(res.StatusCode)))
			return nil
		},
	})
	if err != nil {
		u.untrack(callID)
		if s.IsEnded() {
			// отмена через Terminate, событие уже отправлено
			return
		}
		log.Info("UA.invite rejected", slog.String("error", err.Error()))
		s.fail(errors.Wrap(err, "invite"))
		return
	}

	if err := dlg.Ack(ctx); err != nil {
		log.Warn("UA.invite ack failed", slog.String("error", err.Error()))
	}
	if s.IsEnded() {
		// Terminate пришел вместе с 200 OK
		_ = dlg.Bye(context.Background())
		u.untrack(callID)
		return
	}

	remote, err := parseRemoteSDP(dlg.InviteResponse.Body())
	if err != nil {
		log.Warn("UA.invite bad answer", slog.String("error", err.Error()))
		_ = dlg.Bye(context.Background())
		u.untrack(callID)
		s.fail(err)
		return
	}
	s.establish(remote)
}

func (u *UA) track(callID string, s *Session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions[callID] = s
}

func (u *UA) untrack(callID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, callID)
}

func (u *UA) lookup(callID string) (*Session, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[callID]
	return s, ok
}

// outboundIP адрес интерфейса маршрута до сервера. UDP Dial пакетов не отправляет.
func outboundIP(hostPort string) net.IP {
	conn, err := net.Dial("udp", hostPort)
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

func randomToken(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

func (u *UA) String() string {
	return fmt.Sprintf("UA(%s via %s)", u.aor.String(), u.endpoint)
}
