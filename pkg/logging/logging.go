// Package logging строит slog логгер процесса: текстовый или JSON вывод,
// уровень из настроек, файл с ротацией через lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string
	Format string
	// File путь к файлу лога. Пустой - только stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Console дублировать записи в stderr при записи в файл
	Console bool
}

// New создает логгер. Возвращаемый io.Closer закрывает файл лога.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out, closer = file, file
		if cfg.Console {
			out = io.MultiWriter(file, os.Stderr)
		}
	}

	return slog.New(NewHandler(out, cfg.Format, level)), closer, nil
}

// NewHandler text или json обработчик
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel debug, info, warn, error. Пустая строка - info.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.Wrapf(err, "log level %q", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
