package sipua

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// registerLoop первичная регистрация и обновление на половине срока.
// Первый успешный ответ переводит транспорт в connected, отказ сервера
// сообщается как registrationFailed, сетевая ошибка как disconnected.
func (u *UA) registerLoop(ctx context.Context) {
	defer u.wg.Done()

	expiry := u.cfg.RegisterExpiry
	for {
		reqCtx, cancel := context.WithTimeout(ctx, u.cfg.RequestTimeout)
		res, err := u.register(reqCtx, int(expiry/time.Second))
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			u.log.Warn("UA.register transport error", slog.String("error", err.Error()))
			u.registered.Store(false)
			u.connected.Store(false)
			u.handler.OnDisconnected(errors.Wrap(err, "register"))
			return
		}

		if !u.connected.Swap(true) {
			u.handler.OnConnected()
		}

		if res.StatusCode < 200 || res.StatusCode > 299 {
			u.registered.Store(false)
			u.log.Warn("UA.register rejected",
				slog.Int("code", int(res.StatusCode)),
				slog.String("reason", res.Reason))
			u.handler.OnRegistrationFailed(errors.Errorf("register rejected: %d %s", res.StatusCode, res.Reason))
			return
		}

		granted := grantedExpiry(res, expiry)
		u.registered.Store(true)
		u.log.Info("UA.register ok", slog.Duration("expires", granted))

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval(granted)):
		}
	}
}

// register отправляет REGISTER с указанным Expires и проходит digest
// аутентификацию при 401/407
func (u *UA) register(ctx context.Context, expires int) (*sip.Response, error) {
	req := u.newRegister(expires)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		if u.password == "" {
			return res, nil
		}
		res, err = u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: u.aor.User,
			Password: u.password,
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (u *UA) newRegister(expires int) *sip.Request {
	recipient := u.endpoint.URI()
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{Scheme: u.endpoint.Scheme(), User: u.aor.User, Host: u.aor.Host}
	from := sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params = from.Params.Add("tag", randomToken(16))
	req.AppendHeader(&from)
	to := sip.ToHeader{Address: aor, Params: sip.NewParams()}
	req.AppendHeader(&to)

	contact := u.contact
	req.AppendHeader(&contact)

	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)

	req.SetTransport(u.endpoint.Network())
	req.SetDestination(u.endpoint.HostPort())
	return req
}

// grantedExpiry срок регистрации из ответа: параметр expires нашего Contact
// или заголовок Expires. Без них используется запрошенный.
func grantedExpiry(res *sip.Response, requested time.Duration) time.Duration {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
