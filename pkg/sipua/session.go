package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	// dtmfDuration длительность тона в INFO application/dtmf-relay, мс
	dtmfDuration = 160
	// toneGap пауза между тонами telephone-event
	toneGap = 70 * time.Millisecond
	// declineCode код отказа по умолчанию для неотвеченного входящего
	declineCode = 603
)

var (
	ErrLocalTerminate = errors.New("terminated locally")
	ErrRemoteBye      = errors.New("remote hangup")
	ErrRemoteCancel   = errors.New("canceled by caller")
	ErrStopped        = errors.New("transport stopped")
	ErrSessionEnded   = errors.New("session ended")
	ErrNotAnswerable  = errors.New("session can not be answered")
	ErrNotEstablished = errors.New("session not established")
)

// dialogDoer запрос внутри диалога. Реализуют клиентская и серверная
// сессии sipgo.
type dialogDoer interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// Session один SIP диалог вместе с RTP потоком
type Session struct {
	id        string
	direction signaling.Direction
	remote    signaling.RemoteIdentity
	stream    *media.Stream
	ua        *UA
	log       *slog.Logger

	dtmfMu sync.Mutex

	mu       sync.Mutex
	handler  signaling.SessionHandler
	client   *sipgo.DialogClientSession
	server   *sipgo.DialogServerSession
	offer    *sdp.SessionDescription
	callID   string
	cancel   context.CancelFunc
	answered bool
	ended    bool
	// responding финальный ответ на входящее INVITE отправляется
	responding bool
	// settled закрывается, когда решен исход входящего INVITE
	settled chan struct{}
	// sent закрывается, когда финальный ответ записан в транзакцию
	// или сессия завершилась без него
	sent chan struct{}
}

var _ signaling.Session = (*Session)(nil)

func newSession(id string, dir signaling.Direction, remote signaling.RemoteIdentity, stream *media.Stream, ua *UA) *Session {
	return &Session{
		id:        id,
		direction: dir,
		remote:    remote,
		stream:    stream,
		ua:        ua,
		log:       ua.log.With(slog.String("session", id), slog.String("direction", dir.String())),
		settled:   make(chan struct{}),
		sent:      make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Direction() signaling.Direction {
	return s.direction
}

func (s *Session) RemoteIdentity() signaling.RemoteIdentity {
	return s.remote
}

func (s *Session) Bind(handler signaling.SessionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Session) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Answer отвечает 200 OK с audio-only answer. 200 OK повторяется до ACK,
// поэтому ответ уходит в фоне, а accepted приходит после ACK.
func (s *Session) Answer(opts signaling.MediaOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direction != signaling.Incoming || s.answered || s.server == nil {
		return ErrNotAnswerable
	}
	if s.ended {
		return ErrSessionEnded
	}
	if opts.Video {
		s.log.Debug("Session.Answer video is not supported, answering audio only")
	}

	answer, remote, err := media.BuildAnswer(s.offer, s.stream.LocalAddr())
	if err != nil {
		return err
	}
	body, err := answer.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal answer")
	}
	// settled до отправки: завершение транзакции после 2xx не отмена
	s.settle()
	s.answered = true
	s.responding = true
	server := s.server

	s.ua.wg.Add(1)
	go func() {
		defer s.ua.wg.Done()
		err := server.RespondSDP(body)
		s.markSent()
		if err != nil {
			s.log.Warn("Session.Answer respond failed", slog.String("error", err.Error()))
			s.fail(errors.Wrap(err, "respond 200"))
			return
		}
		if s.IsEnded() {
			return
		}
		if err := s.stream.Start(remote, s.onTrack); err != nil {
			s.log.Warn("Session.Answer media start failed", slog.String("error", err.Error()))
		}
		s.log.Info("Session.Answer", slog.String("codec", remote.Codec.Name))
		s.emit(func(h signaling.SessionHandler) { h.OnAccepted() })
	}()
	return nil
}

// Terminate отклоняет, отменяет или завершает сессию в зависимости от ее стадии
func (s *Session) Terminate(opts signaling.TerminateOptions) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	answered := s.answered

	switch {
	case answered:
		// BYE в фоне: ответ на него не влияет на завершение сессии
		s.ua.wg.Add(1)
		go func() {
			defer s.ua.wg.Done()
			if err := s.bye(); err != nil {
				s.log.Warn("Session.Terminate bye", slog.String("error", err.Error()))
			}
		}()
	case s.direction == signaling.Incoming && s.server != nil:
		code, reason := opts.StatusCode, opts.Reason
		if code == 0 {
			code = declineCode
		}
		if reason == "" {
			reason = reasonPhrase(code)
		}
		s.settle()
		s.responding = true
		server := s.server
		// отказ тоже ждет ACK
		s.ua.wg.Add(1)
		go func() {
			defer s.ua.wg.Done()
			err := server.Respond(code, reason, nil)
			s.markSent()
			if err != nil {
				s.log.Warn("Session.Terminate respond", slog.Int("code", code), slog.String("error", err.Error()))
			}
		}()
	default:
		// исходящая без финального ответа: отмена контекста отправляет CANCEL
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.release()
	s.log.Info("Session.Terminate", slog.Bool("answered", answered))
	if answered {
		s.emit(func(h signaling.SessionHandler) { h.OnEnded(ErrLocalTerminate) })
	} else {
		s.emit(func(h signaling.SessionHandler) { h.OnFailed(ErrLocalTerminate) })
	}
	return nil
}

func (s *Session) bye() error {
	s.mu.Lock()
	client, server := s.client, s.server
	s.mu.Unlock()

	// Stop прерывает BYE вместе с остальным стеком
	ctx, cancel := context.WithTimeout(s.ua.ctx, s.ua.cfg.RequestTimeout)
	defer cancel()
	if client != nil {
		return client.Bye(ctx)
	}
	if server != nil {
		return server.Bye(ctx)
	}
	return nil
}

func (s *Session) Mute(signaling.MediaOptions) error {
	if s.IsEnded() {
		return ErrSessionEnded
	}
	s.stream.SetMuted(true)
	return nil
}

func (s *Session) Unmute(signaling.MediaOptions) error {
	if s.IsEnded() {
		return ErrSessionEnded
	}
	s.stream.SetMuted(false)
	return nil
}

// SendDTMF проверяет тоны и состояние сессии и отправляет их в фоне:
// telephone-event в RTP, если удаленная сторона его согласовала, иначе
// INFO application/dtmf-relay. Ошибки сети только логируются.
func (s *Session) SendDTMF(tones string) error {
	tones, err := signaling.NormalizeTones(tones)
	if err != nil {
		return err
	}

	s.mu.Lock()
	doer, target, err := s.inDialog()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.ua.wg.Add(1)
	go func() {
		defer s.ua.wg.Done()
		// тоны разных вызовов SendDTMF не перемешиваются
		s.dtmfMu.Lock()
		defer s.dtmfMu.Unlock()
		if err := s.sendTones(doer, target, tones); err != nil {
			s.log.Warn("Session.SendDTMF", slog.String("tones", tones), slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Session) sendTones(doer dialogDoer, target sip.Uri, tones string) error {
	inBand := s.stream.SupportsTelephoneEvent()
	for i, tone := range tones {
		if s.IsEnded() {
			return ErrSessionEnded
		}
		if inBand {
			if i > 0 {
				time.Sleep(toneGap)
			}
			if err := s.stream.SendTone(tone, dtmfDuration*time.Millisecond); err != nil {
				return err
			}
			continue
		}
		if err := s.sendInfo(doer, target, tone); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendInfo(doer dialogDoer, target sip.Uri, tone rune) error {
	req := sip.NewRequest(sip.INFO, target)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody(dtmfRelayBody(tone, dtmfDuration))

	ctx, cancel := context.WithTimeout(s.ua.ctx, s.ua.cfg.RequestTimeout)
	defer cancel()
	res, err := doer.Do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "info %c", tone)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.Errorf("info %c rejected: %d %s", tone, res.StatusCode, res.Reason)
	}
	return nil
}

// inDialog возвращает диалог и remote target установленной сессии. Под s.mu.
func (s *Session) inDialog() (dialogDoer, sip.Uri, error) {
	if s.ended {
		return nil, sip.Uri{}, ErrSessionEnded
	}
	if !s.answered {
		return nil, sip.Uri{}, ErrNotEstablished
	}
	if s.client != nil {
		target := s.client.InviteRequest.Recipient
		if c := s.client.InviteResponse.Contact(); c != nil {
			target = c.Address
		}
		return s.client, target, nil
	}
	if s.server != nil {
		if c := s.server.InviteRequest.Contact(); c != nil {
			return s.server, c.Address, nil
		}
		return nil, sip.Uri{}, errors.New("invite without contact")
	}
	return nil, sip.Uri{}, ErrNotEstablished
}

func dtmfRelayBody(tone rune, durationMs int) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", tone, durationMs))
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *Session) setDialog(dlg *sipgo.DialogClientSession, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = dlg
	s.callID = callID
}

// establish исходящая сессия получила 2xx
func (s *Session) establish(remote media.Remote) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.answered = true
	s.mu.Unlock()

	if err := s.stream.Start(remote, s.onTrack); err != nil {
		s.log.Warn("Session.establish media start failed", slog.String("error", err.Error()))
	}
	s.log.Info("Session.establish", slog.String("codec", remote.Codec.Name))
	s.emit(func(h signaling.SessionHandler) { h.OnAccepted() })
}

// fail сессия не состоялась
func (s *Session) fail(cause error) {
	if !s.finish() {
		return
	}
	s.emit(func(h signaling.SessionHandler) { h.OnFailed(cause) })
}

// remoteBye удаленная сторона завершила установленную сессию
func (s *Session) remoteBye() {
	if !s.finish() {
		return
	}
	s.emit(func(h signaling.SessionHandler) { h.OnEnded(ErrRemoteBye) })
}

// remoteCancel звонящий отменил входящий вызов до ответа
func (s *Session) remoteCancel() {
	if !s.finish() {
		return
	}
	s.emit(func(h signaling.SessionHandler) { h.OnFailed(ErrRemoteCancel) })
}

// drop сброс без сигнализации при остановке транспорта
func (s *Session) drop() {
	s.mu.Lock()
	answered := s.answered
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if !s.finish() {
		return
	}
	if answered {
		s.emit(func(h signaling.SessionHandler) { h.OnEnded(ErrStopped) })
	} else {
		s.emit(func(h signaling.SessionHandler) { h.OnFailed(ErrStopped) })
	}
}

// finish помечает сессию завершенной. false, если она уже завершена.
func (s *Session) finish() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.settle()
	if !s.responding {
		s.markSent()
	}
	s.mu.Unlock()
	s.release()
	return true
}

func (s *Session) release() {
	if err := s.stream.Close(); err != nil && !errors.Is(err, media.ErrStreamClosed) {
		s.log.Warn("Session.release stream close", slog.String("error", err.Error()))
	}
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID != "" {
		s.ua.untrack(callID)
	}
}

// settle под s.mu
func (s *Session) settle() {
	select {
	case <-s.settled:
	default:
		close(s.settled)
	}
}

func (s *Session) markSent() {
	select {
	case <-s.sent:
	default:
		close(s.sent)
	}
}

func (s *Session) onTrack(track signaling.Track) {
	s.emit(func(h signaling.SessionHandler) { h.OnPeerConnection([]signaling.Track{track}) })
}

func (s *Session) emit(fn func(h signaling.SessionHandler)) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func reasonPhrase(code int) string {
	switch code {
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	default:
		return "Rejected"
	}
}

// parseRemoteSDP разбирает SDP answer удаленной стороны
func parseRemoteSDP(body []byte) (media.Remote, error) {
	desc, err := media.ParseBytes(body)
	if err != nil {
		return media.Remote{}, err
	}
	return media.ParseRemote(desc)
}
