// Package signaling описывает узкий интерфейс между ядром софтфона и
// сигнальным движком (SIP user agent).
//
// Пакет не содержит реализации протокола. Реализация на базе sipgo находится
// в pkg/sipua, тестовая реализация в pkg/signaling/fakesignaling.
//
// Движок сообщает о событиях жизненного цикла через TransportHandler, а о
// событиях конкретного вызова через SessionHandler. Все обработчики могут
// вызываться из любой горутины движка; потребитель обязан сам упорядочить
// их обработку.
package signaling

import (
	"fmt"
)

// Direction направление сессии относительно нашего UA
type Direction int

const (
	// Incoming - входящий вызов
	Incoming Direction = iota
	// Outgoing - исходящий вызов
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// RemoteIdentity адресная информация удаленной стороны, как ее сообщил
// сигнальный уровень (display name и user часть URI).
type RemoteIdentity struct {
	DisplayName string
	User        string
	Host        string
}

// MediaOptions ограничения медиа для answer/mute/unmute/call
type MediaOptions struct {
	Audio bool
	Video bool
}

// AudioOnly используется ядром для всех операций: видео не поддерживается.
var AudioOnly = MediaOptions{Audio: true, Video: false}

// Track удаленный медиа трек, о котором сообщает сессия после установления
// медиа канала.
type Track struct {
	// ID идентификатор трека (для RTP - SSRC)
	ID string
	// StreamID идентификатор потока, к которому принадлежит трек.
	// Повторная привязка потока с тем же StreamID ничего не меняет.
	StreamID string
	// Kind "audio" или "video"
	Kind string

	PayloadType uint8
	ClockRate   uint32
}

// Credentials параметры подключения, передаются в момент Connect.
type Credentials struct {
	// URI сигнальный адрес аккаунта, например "sip:alice@example.com"
	URI string
	// Server адрес сигнального сервера, например "wss://sip.example.com:7443/ws"
	Server string
	// Password секрет для digest аутентификации, может быть пустым
	Password string
}

// TerminateOptions параметры завершения сессии.
// Для неотвеченной входящей сессии StatusCode определяет код отказа,
// для установленной сессии игнорируется (отправляется BYE).
type TerminateOptions struct {
	StatusCode int
	Reason     string
}

// CallOptions параметры создания исходящей сессии
type CallOptions struct {
	Media   MediaOptions
	Handler SessionHandler
}

// TransportHandler получает события жизненного цикла транспорта.
type TransportHandler interface {
	OnConnecting()
	OnConnected()
	OnDisconnected(cause error)
	OnRegistrationFailed(cause error)
	// OnNewSession сообщает о новой сессии. Обработчик обязан вызвать
	// Session.Bind до возврата, если хочет получать события сессии.
	OnNewSession(session Session, direction Direction, remote RemoteIdentity)
}

// SessionHandler получает события одной сессии.
type SessionHandler interface {
	OnAccepted()
	OnEnded(cause error)
	OnFailed(cause error)
	OnPeerConnection(tracks []Track)
}

// Transport одно подключение к сигнальному серверу вместе с регистрацией.
type Transport interface {
	// Start подключается и запускает регистрацию. Не блокирует:
	// результат приходит событиями TransportHandler.
	Start() error
	// Stop закрывает подключение. Живые сессии сбрасываются без BYE.
	Stop() error
	// Unregister снимает регистрацию (REGISTER с Expires: 0).
	Unregister() error
	IsRegistered() bool
	IsConnected() bool
	// Host хост из URI аккаунта, используется для построения target URI.
	Host() string
	// Call создает исходящую сессию. Ошибка означает, что сессия не создана.
	Call(target string, opts CallOptions) (Session, error)
}

// Session живая сигнальная сессия (SIP диалог одного вызова).
type Session interface {
	ID() string
	Direction() Direction
	RemoteIdentity() RemoteIdentity

	// Bind устанавливает обработчик событий сессии
	Bind(handler SessionHandler)

	Answer(opts MediaOptions) error
	Terminate(opts TerminateOptions) error
	Mute(opts MediaOptions) error
	Unmute(opts MediaOptions) error
	SendDTMF(tones string) error
	IsEnded() bool
}

// Factory создает транспорт для указанных учетных данных. Ошибка означает
// некорректную конфигурацию (например, невалидный URI).
type Factory func(creds Credentials, handler TransportHandler) (Transport, error)
