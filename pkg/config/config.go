// Package config загружает настройки софтфона.
//
// Порядок источников: settings.ini, затем .env файл, затем переменные
// окружения WEBPHONE_*. Каждый следующий источник перекрывает предыдущий.
package config

import (
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "WEBPHONE_"

var ErrInvalid = errors.New("invalid settings")

type Account struct {
	URI      string `env:"URI"`
	Server   string `env:"SERVER"`
	Password string `env:"PASSWORD"`
}

type Phone struct {
	RegistrationTimeout time.Duration `env:"REGISTRATION_TIMEOUT"`
	CallSetupTimeout    time.Duration `env:"CALL_SETUP_TIMEOUT"`
	UserAgent           string        `env:"USER_AGENT"`
	ListenAddr          string        `env:"LISTEN_ADDR"`
	MediaIP             string        `env:"MEDIA_IP"`
	RegisterExpiry      time.Duration `env:"REGISTER_EXPIRY"`
}

type Log struct {
	Level      string `env:"LEVEL"`
	Format     string `env:"FORMAT"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB"`
	MaxBackups int    `env:"MAX_BACKUPS"`
	// Console дублирует записи в stderr, когда задан File
	Console bool `env:"CONSOLE"`
}

type Metrics struct {
	// Addr адрес HTTP сервера /metrics, пустой отключает
	Addr string `env:"ADDR"`
}

// Settings полная конфигурация процесса
type Settings struct {
	Account Account `envPrefix:"ACCOUNT_"`
	Phone   Phone   `envPrefix:"PHONE_"`
	Log     Log     `envPrefix:"LOG_"`
	Metrics Metrics `envPrefix:"METRICS_"`

	Contacts Book
}

// Load читает settings.ini по path (пустой path - только значения по
// умолчанию), .env файл и окружение. envFile пустой - ./.env, если он есть.
func Load(path, envFile string) (*Settings, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	file := ini.Empty()
	if path != "" {
		var err error
		file, err = ini.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", path)
		}
	}
	return FromINI(file)
}

// FromINI строит настройки из разобранного ini и применяет окружение
func FromINI(file *ini.File) (*Settings, error) {
	s := fromINI(file)
	if err := env.ParseWithOptions(s, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "environment")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadDotEnv(envFile string) error {
	if envFile != "" {
		return errors.Wrapf(godotenv.Load(envFile), "load %s", envFile)
	}
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "load .env")
	}
	return nil
}

func fromINI(file *ini.File) *Settings {
	s := &Settings{}

	sec := file.Section("account")
	s.Account.URI = sec.Key("uri").String()
	s.Account.Server = sec.Key("server").String()
	s.Account.Password = sec.Key("password").String()

	sec = file.Section("phone")
	s.Phone.RegistrationTimeout = sec.Key("registration_timeout").MustDuration(30 * time.Second)
	s.Phone.CallSetupTimeout = sec.Key("call_setup_timeout").MustDuration(60 * time.Second)
	s.Phone.UserAgent = sec.Key("user_agent").MustString("webphone")
	s.Phone.ListenAddr = sec.Key("listen_addr").MustString(":0")
	s.Phone.MediaIP = sec.Key("media_ip").String()
	s.Phone.RegisterExpiry = sec.Key("register_expiry").MustDuration(600 * time.Second)

	sec = file.Section("log")
	s.Log.Level = sec.Key("level").MustString("info")
	s.Log.Format = sec.Key("format").MustString("text")
	s.Log.File = sec.Key("file").String()
	s.Log.MaxSizeMB = sec.Key("max_size_mb").MustInt(100)
	s.Log.MaxBackups = sec.Key("max_backups").MustInt(1)
	s.Log.Console = sec.Key("console").MustBool(false)

	s.Metrics.Addr = file.Section("metrics").Key("addr").String()

	sec = file.Section("contacts")
	for _, key := range sec.Keys() {
		s.Contacts.Add(key.Name(), key.String())
	}
	return s
}

// Validate проверяет обязательные поля и диапазоны
func (s *Settings) Validate() error {
	var problems []string

	if s.Account.URI == "" {
		problems = append(problems, "account uri is required")
	} else if !strings.Contains(s.Account.URI, "@") {
		problems = append(problems, "account uri must be user@host")
	}
	if s.Account.Server == "" {
		problems = append(problems, "account server is required")
	}
	if s.Phone.RegistrationTimeout < 0 {
		problems = append(problems, "phone registration_timeout must not be negative")
	}
	if s.Phone.CallSetupTimeout < 0 {
		problems = append(problems, "phone call_setup_timeout must not be negative")
	}
	if s.Phone.MediaIP != "" && net.ParseIP(s.Phone.MediaIP) == nil {
		problems = append(problems, "phone media_ip is not an IP address")
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, "log format must be text or json")
	}
	if s.Log.MaxSizeMB <= 0 {
		problems = append(problems, "log max_size_mb must be positive")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// MediaAddr разобранный media_ip или nil
func (p Phone) MediaAddr() net.IP {
	if p.MediaIP == "" {
		return nil
	}
	return net.ParseIP(p.MediaIP)
}
