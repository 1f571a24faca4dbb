// webphone терминальный софтфон: регистрация на SIP сервере, исходящие и
// входящие вызовы, метрики Prometheus.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/sipua"
)

func main() {
	var (
		settingsPath = flag.String("config", "settings.ini", "Путь к settings.ini")
		envFile      = flag.String("env", "", "Файл .env (по умолчанию ./.env, если есть)")
		autoConnect  = flag.Bool("connect", true, "Подключиться при старте")
	)
	flag.Parse()

	if err := run(*settingsPath, *envFile, *autoConnect); err != nil {
		fmt.Fprintln(os.Stderr, "webphone:", err)
		os.Exit(1)
	}
}

func run(settingsPath, envFile string, autoConnect bool) error {
	settings, err := config.Load(settingsPath, envFile)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Config{
		Level:      settings.Log.Level,
		Format:     settings.Log.Format,
		File:       settings.Log.File,
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		Console:    settings.Log.Console,
	})
	if err != nil {
		return err
	}
	defer closeLog.Close()
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := sipua.NewFactory(
		sipua.WithLogger(log.With(slog.String("component", "sipua"))),
		sipua.WithUserAgent(settings.Phone.UserAgent),
		sipua.WithListenAddr(settings.Phone.ListenAddr),
		sipua.WithMediaIP(settings.Phone.MediaAddr()),
		sipua.WithRegisterExpiry(settings.Phone.RegisterExpiry),
	)
	ph := phone.New(factory.New,
		phone.WithLogger(log.With(slog.String("component", "phone"))),
		phone.WithSink(media.NewRegistry(nil, log.With(slog.String("component", "media")))),
		phone.WithRegistrationTimeout(settings.Phone.RegistrationTimeout),
		phone.WithCallSetupTimeout(settings.Phone.CallSetupTimeout),
		phone.WithRegisterer(reg),
	)
	defer ph.Close()

	ui := &console{
		phone: ph,
		book:  &settings.Contacts,
		out:   os.Stdout,
		creds: signaling.Credentials{
			URI:      settings.Account.URI,
			Server:   settings.Account.Server,
			Password: settings.Account.Password,
		},
	}
	cancelWatch := ph.OnStateChange(func(s phone.Snapshot) {
		fmt.Fprintln(os.Stdout, render(s))
	})
	defer cancelWatch()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if settings.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              settings.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics.listen", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if autoConnect {
		if err := ph.Connect(ui.creds); err != nil {
			log.Error("connect", slog.String("error", err.Error()))
		}
	}

	lines := readLines(os.Stdin)
	g.Go(func() error {
		fmt.Fprint(ui.out, helpText)
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				quit, err := ui.execute(line)
				if err != nil {
					fmt.Fprintln(ui.out, "error:", err)
				}
				if quit {
					return errQuit
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// errQuit завершает группу по команде пользователя
var errQuit = errors.New("quit")

// readLines читает ввод в отдельной горутине: Scan блокируется до конца
// строки и не отменяется контекстом
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
