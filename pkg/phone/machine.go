package phone

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// События автомата подключения
const (
	evtConnecting   = "connecting"
	evtConnected    = "connected"
	evtDisconnected = "disconnected"
	evtFail         = "fail"
)

// События автомата вызова
const (
	evtArrive = "arrive"
	evtDial   = "dial"
	evtAccept = "accept"
	evtEnd    = "end"
)

func newConnectionFSM(onEnter fsm.Callback) *fsm.FSM {
	all := []string{
		Disconnected.String(), Connecting.String(), Connected.String(), Error.String(),
	}
	return fsm.NewFSM(
		Disconnected.String(),
		fsm.Events{
			{Name: evtConnecting, Src: all, Dst: Connecting.String()},
			{Name: evtConnected, Src: all, Dst: Connected.String()},
			{Name: evtDisconnected, Src: all, Dst: Disconnected.String()},
			// registrationFailed, ошибка создания и таймаут регистрации
			{Name: evtFail, Src: all, Dst: Error.String()},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}

/*
Диаграмма автомата вызова:

	[idle] --arrive--> [incoming] --accept--> [in-call]
	[idle] --dial----> [in-call]  --accept--> [in-call]
	[incoming], [in-call] --end--> [idle]

Полезная нагрузка (контакт, mute, speaker) живет в CallState, автомат
только запрещает недопустимые переходы.
*/
func newCallFSM(onEnter fsm.Callback) *fsm.FSM {
	idle, incoming, inCall := string(StatusIdle), string(StatusIncoming), string(StatusInCall)
	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evtArrive, Src: []string{idle}, Dst: incoming},
			{Name: evtDial, Src: []string{idle}, Dst: inCall},
			{Name: evtAccept, Src: []string{incoming, inCall}, Dst: inCall},
			{Name: evtEnd, Src: []string{incoming, inCall}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}

// fire выполняет событие автомата. Переход в текущее состояние не ошибка.
// ok == false, если событие недопустимо в текущем состоянии.
func fire(m *fsm.FSM, event string) (ok bool, err error) {
	err = m.Event(context.Background(), event)
	if err == nil {
		return true, nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return true, nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return false, nil
	}
	return false, errors.Wrapf(err, "event %s", event)
}
