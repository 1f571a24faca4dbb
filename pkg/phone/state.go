package phone

import (
	"fmt"

	"github.com/arzzra/webphone/pkg/signaling"
)

// ConnectionState состояние подключения к сигнальному серверу
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Error        ConnectionState = "error"
)

func (s ConnectionState) String() string {
	return string(s)
}

// Contact отображаемые данные собеседника. Не используется для корреляции сессий.
type Contact struct {
	Name      string
	Number    string
	AvatarURL string
}

// unknownParty подставляется, когда сигнальный уровень не сообщил ни имени, ни номера
const unknownParty = "unknown"

// ContactFromIdentity строит контакт из remote identity сессии:
// имя - display name, затем user часть URI, затем "unknown".
func ContactFromIdentity(remote signaling.RemoteIdentity) Contact {
	number := remote.User
	if number == "" {
		number = unknownParty
	}
	name := remote.DisplayName
	if name == "" {
		name = number
	}
	return Contact{Name: name, Number: number}
}

// CallStatus дискриминатор варианта CallState
type CallStatus string

const (
	StatusIdle     CallStatus = "idle"
	StatusIncoming CallStatus = "incoming"
	StatusInCall   CallStatus = "in-call"
)

// CallState состояние вызова. Ровно один из вариантов: Idle, Incoming, InCall.
// Интерфейс закрыт: реализовать его вне пакета нельзя.
type CallState interface {
	Status() CallStatus
	fmt.Stringer
	callState()
}

// Idle нет активной сессии
type Idle struct{}

// Incoming входящая сессия ожидает ответа
type Incoming struct {
	Contact Contact
}

// InCall сессия установлена
type InCall struct {
	Contact Contact
	Muted   bool
	Speaker bool
}

func (Idle) Status() CallStatus     { return StatusIdle }
func (Incoming) Status() CallStatus { return StatusIncoming }
func (InCall) Status() CallStatus   { return StatusInCall }

func (Idle) callState()     {}
func (Incoming) callState() {}
func (InCall) callState()   {}

func (Idle) String() string { return string(StatusIdle) }

func (s Incoming) String() string {
	return fmt.Sprintf("%s(%s <%s>)", StatusIncoming, s.Contact.Name, s.Contact.Number)
}

func (s InCall) String() string {
	return fmt.Sprintf("%s(%s <%s> muted=%t speaker=%t)",
		StatusInCall, s.Contact.Name, s.Contact.Number, s.Muted, s.Speaker)
}

// contactOf возвращает контакт варианта, если он есть
func contactOf(s CallState) (Contact, bool) {
	switch v := s.(type) {
	case Incoming:
		return v.Contact, true
	case InCall:
		return v.Contact, true
	}
	return Contact{}, false
}

// Snapshot неизменяемая копия состояния ядра для UI
type Snapshot struct {
	Connection ConnectionState
	Call       CallState
}

func (s Snapshot) String() string {
	return fmt.Sprintf("connection=%s call=%s", s.Connection, s.Call)
}
