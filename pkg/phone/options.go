package phone

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/webphone/pkg/signaling"
)

// Sink принимает удаленные медиа треки для воспроизведения.
// Attach вызывается не более одного раза на stream id за время жизни сессии,
// Detach при освобождении сессии.
type Sink interface {
	Attach(track signaling.Track) error
	Detach(streamID string)
}

// Options параметры ядра
type Options struct {
	Logger *slog.Logger
	Sink   Sink
	// RegistrationTimeout сколько ждать connected после Connect. 0 - без ограничения.
	RegistrationTimeout time.Duration
	// CallSetupTimeout сколько ждать accepted исходящего вызова. 0 - без ограничения.
	CallSetupTimeout time.Duration
	// Registerer для метрик. nil - собственный реестр, метрики не экспортируются.
	Registerer prometheus.Registerer
}

// Option функциональная опция для New
type Option func(*Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithSink(s Sink) Option {
	return func(o *Options) {
		o.Sink = s
	}
}

func WithRegistrationTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.RegistrationTimeout = d
	}
}

func WithCallSetupTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CallSetupTimeout = d
	}
}

// WithRegisterer регистрирует метрики ядра в reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func buildOptions(opts []Option) Options {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	return o
}

type discardSink struct{}

func (discardSink) Attach(signaling.Track) error { return nil }
func (discardSink) Detach(string)                {}
