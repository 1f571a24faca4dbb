package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics метрики ядра
type metrics struct {
	connectionState *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	calls           *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	busyRejected    prometheus.Counter
	dtmfFailures    prometheus.Counter
	droppedEvents   *prometheus.CounterVec
}

var connectionStates = []ConnectionState{Disconnected, Connecting, Connected, Error}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "webphone",
			Name:      "connection_state",
			Help:      "Текущее состояние подключения (1 для активного состояния)",
		}, []string{"state"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "state_transitions_total",
			Help:      "Переходы автоматов подключения и вызова",
		}, []string{"machine", "from", "to"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "calls_total",
			Help:      "Вызовы по направлению",
		}, []string{"direction"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "call_outcomes_total",
			Help:      "Завершения вызовов по причине",
		}, []string{"outcome"}),
		busyRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "busy_rejected_total",
			Help:      "Входящие сессии, отклоненные с 486 при занятой линии",
		}),
		dtmfFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "dtmf_failures_total",
			Help:      "Неудачные отправки DTMF",
		}),
		droppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webphone",
			Name:      "dropped_events_total",
			Help:      "События устаревших транспортов и сессий",
		}, []string{"source"}),
	}
	m.setConnection(Disconnected)
	return m
}

func (m *metrics) setConnection(state ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}
