package phone

import (
	"fmt"

	"github.com/pkg/errors"
)

// Коды ошибок команд ядра
const (
	CodeNotConnected   = "NOT_CONNECTED"
	CodeCallInProgress = "CALL_IN_PROGRESS"
	CodeInvalidNumber  = "INVALID_NUMBER"
	CodeSessionCreate  = "SESSION_CREATE"
	CodeSession        = "SESSION_COMMAND"
	CodeTransport      = "TRANSPORT"
	CodeClosed         = "CLOSED"
)

var (
	// ErrNotConnected команда требует состояния connected
	ErrNotConnected = errors.New("not connected")
	// ErrCallInProgress уже есть живая сессия, ядро обслуживает одну линию
	ErrCallInProgress = errors.New("call in progress")
	// ErrInvalidNumber пустой номер для исходящего вызова
	ErrInvalidNumber = errors.New("invalid number")
	// ErrClosed ядро остановлено
	ErrClosed = errors.New("phone closed")
)

// PhoneError ошибка команды ядра с контекстом операции
type PhoneError struct {
	// Op имя команды, например "StartCall"
	Op string
	// Code один из Code* выше
	Code string
	Err  error
}

func (e *PhoneError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Err)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PhoneError) Unwrap() error {
	return e.Err
}

func newError(op, code string, err error) *PhoneError {
	return &PhoneError{Op: op, Code: code, Err: err}
}

// CodeOf возвращает код ошибки ядра или пустую строку
func CodeOf(err error) string {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
