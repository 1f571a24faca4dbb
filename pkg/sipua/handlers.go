package sipua

import (
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling"
)

// initServerHandlers регистрирует обработчики входящих запросов
func (u *UA) initServerHandlers() {
	u.server.OnInvite(u.handleInvite)

	u.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := u.dialogSrv.ReadAck(req, tx); err != nil {
			u.log.Debug("UA.ack outside dialog", slog.String("error", err.Error()))
		}
	})

	u.server.OnBye(u.handleBye)
	u.server.OnInfo(u.handleInfo)

	u.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, INFO, OPTIONS"))
		if err := tx.Respond(res); err != nil {
			u.log.Debug("UA.options respond", slog.String("error", err.Error()))
		}
	})
}

// handleInvite входящий вызов. Обработчик ждет финального ответа, чтобы
// отличить отмену звонящим от ответа приложения.
func (u *UA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := u.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		u.log.Warn("UA.invite read", slog.String("error", err.Error()))
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	callID := req.CallID().Value()
	log := u.log.With(slog.String("callID", callID))

	offer, err := media.ParseBytes(req.Body())
	if err == nil {
		_, err = media.ParseRemote(offer)
	}
	if err != nil {
		log.Info("UA.invite unacceptable offer", slog.String("error", err.Error()))
		_ = dlg.Respond(488, "Not Acceptable Here", nil)
		return
	}

	stream, err := media.NewStream(uuid.NewString(), u.localIP, u.log)
	if err != nil {
		log.Error("UA.invite media", slog.String("error", err.Error()))
		_ = dlg.Respond(500, "Server Internal Error", nil)
		return
	}

	s := newSession(stream.ID(), signaling.Incoming, identityFromRequest(req), stream, u)
	s.server = dlg
	s.offer = offer
	s.callID = callID
	u.track(callID, s)

	if err := dlg.Respond(180, "Ringing", nil); err != nil {
		log.Warn("UA.invite ringing", slog.String("error", err.Error()))
	}

	log.Info("UA.invite", slog.String("from", s.remote.User))
	u.handler.OnNewSession(s, signaling.Incoming, s.remote)

	select {
	case <-s.settled:
	case <-tx.Done():
		// транзакция закончилась без нашего финального ответа: CANCEL или таймаут
		s.remoteCancel()
	case <-u.ctx.Done():
		return
	}
	// после возврата обработчика sipgo завершает транзакцию, финальный
	// ответ должен быть уже записан
	select {
	case <-s.sent:
	case <-u.ctx.Done():
	}
}

func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	s, ok := u.lookup(callID)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	var err error
	if s.Direction() == signaling.Outgoing {
		err = u.dialogCli.ReadBye(req, tx)
	} else {
		err = u.dialogSrv.ReadBye(req, tx)
	}
	if err != nil {
		u.log.Warn("UA.bye", slog.String("callID", callID), slog.String("error", err.Error()))
	}
	s.remoteBye()
}

// handleInfo принимает INFO внутри диалога. Тело не интерпретируется.
func (u *UA) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	code, reason := 200, "OK"
	if _, ok := u.lookup(req.CallID().Value()); !ok {
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

// identityFromRequest display name и user из From, P-Asserted-Identity
// имеет приоритет, если прокси его добавил
func identityFromRequest(req *sip.Request) signaling.RemoteIdentity {
	var id signaling.RemoteIdentity
	if from := req.From(); from != nil {
		id = signaling.RemoteIdentity{
			DisplayName: from.DisplayName,
			User:        from.Address.User,
			Host:        from.Address.Host,
		}
	}
	if h := req.GetHeader("P-Asserted-Identity"); h != nil {
		if pai, ok := parseNameAddr(h.Value()); ok {
			if pai.DisplayName == "" {
				pai.DisplayName = id.DisplayName
			}
			id = pai
		}
	}
	return id
}

// parseNameAddr разбирает "Name" <sip:user@host> или голый URI
func parseNameAddr(value string) (signaling.RemoteIdentity, bool) {
	value = strings.TrimSpace(value)
	if i := strings.Index(value, ","); i >= 0 {
		// первый из нескольких идентификаторов
		value = strings.TrimSpace(value[:i])
	}

	var name string
	raw := value
	if lt := strings.Index(value, "<"); lt >= 0 {
		gt := strings.Index(value, ">")
		if gt < lt {
			return signaling.RemoteIdentity{}, false
		}
		name = strings.Trim(strings.TrimSpace(value[:lt]), `"`)
		raw = value[lt+1 : gt]
	}
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") && !strings.HasPrefix(raw, "tel:") {
		return signaling.RemoteIdentity{}, false
	}
	if strings.HasPrefix(raw, "tel:") {
		number := strings.TrimPrefix(raw, "tel:")
		if i := strings.Index(number, ";"); i >= 0 {
			number = number[:i]
		}
		return signaling.RemoteIdentity{DisplayName: name, User: number}, number != ""
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil || uri.User == "" {
		return signaling.RemoteIdentity{}, false
	}
	return signaling.RemoteIdentity{DisplayName: name, User: uri.User, Host: uri.Host}, true
}
