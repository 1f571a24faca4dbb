/*
Package phone ядро софтфона: владеет единственным сигнальным транспортом
и единственной сессией вызова, приводит асинхронные события транспорта к
двум автоматам состояний и предоставляет UI команды управления.

Автомат подключения:

	disconnected, connecting, connected, error

Переходы выполняются только событиями транспорта (connecting, connected,
disconnected, registrationFailed), явным Disconnect, ошибкой создания
транспорта и таймаутом регистрации.

Автомат вызова: Idle, Incoming{Contact}, InCall{Contact, Muted, Speaker}.
Сессия удерживается тогда и только тогда, когда вызов не Idle.

Все события и команды проходят через одну очередь и применяются одной
горутиной в порядке поступления. Команды ждут только локального изменения
состояния, не сети. Наблюдатели OnStateChange получают каждый переход,
включая промежуточные (accepted, затем ended дают InCall, затем Idle).

Пример:

	p := phone.New(sipua.NewFactory(sipua.WithLogger(log)).New,
		phone.WithRegistrationTimeout(10*time.Second))
	defer p.Close()

	p.OnStateChange(func(s phone.Snapshot) { fmt.Println(s) })
	_ = p.Connect(signaling.Credentials{URI: "sip:100@pbx.local", Server: "udp://pbx.local:5060"})
*/
package phone
