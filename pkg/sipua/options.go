package sipua

import (
	"log/slog"
	"net"
	"time"
)

const (
	defaultUserAgent      = "webphone"
	defaultRegisterExpiry = 600 * time.Second
	defaultRequestTimeout = 32 * time.Second
	minRefreshInterval    = 5 * time.Second
)

// Config параметры пользовательского агента
type Config struct {
	Logger *slog.Logger
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// ListenAddr локальный адрес для UDP и TCP, по умолчанию ":0"
	ListenAddr string
	// MediaIP адрес для RTP. nil - адрес маршрута до сервера.
	MediaIP net.IP
	// RegisterExpiry запрашиваемое время жизни регистрации
	RegisterExpiry time.Duration
	// RequestTimeout ограничение на одну клиентскую транзакцию
	RequestTimeout time.Duration
}

// Option функциональная опция
type Option func(*Config)

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithUserAgent(name string) Option {
	return func(c *Config) {
		c.UserAgent = name
	}
}

func WithListenAddr(addr string) Option {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

func WithMediaIP(ip net.IP) Option {
	return func(c *Config) {
		c.MediaIP = ip
	}
}

func WithRegisterExpiry(d time.Duration) Option {
	return func(c *Config) {
		c.RegisterExpiry = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func buildConfig(opts []Option) Config {
	c := Config{
		Logger:         slog.Default(),
		UserAgent:      defaultUserAgent,
		ListenAddr:     ":0",
		RegisterExpiry: defaultRegisterExpiry,
		RequestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = defaultRegisterExpiry
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// refreshInterval повторная регистрация на половине выданного срока
func refreshInterval(granted time.Duration) time.Duration {
	d := granted / 2
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	return d
}
