package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/wgmond/wgmond/internal/api"
	"github.com/wgmond/wgmond/internal/metrics"
	"github.com/wgmond/wgmond/internal/session"
	"github.com/wgmond/wgmond/internal/stats"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/users"
	"github.com/wgmond/wgmond/internal/wg"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultPort        = 8000
	defaultInterface   = "wg0"
	defaultMetricsAddr = ":8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	debugFlag := flag.Bool("debug", false, "debug mode - show debug logs")

	// Monitor configuration.
	interfaceFlag := flag.String("interface", defaultInterface, "wireguard interface to monitor")
	intervalFlag := flag.Duration("interval", session.DefaultInterval, "interval between peer table samples")
	maxHandshakeAgeFlag := flag.Duration("max-handshake-age", session.DefaultMaxHandshakeAge, "handshake age after which a peer counts as offline")

	// Storage configuration.
	dbFlag := flag.String("db", store.DefaultPath, "path to the sqlite database")

	// API configuration.
	portFlag := flag.Int("port", defaultPort, "port to listen on for the HTTP API")
	serverPublicKeyFlag := flag.String("server-public-key", "", "server public key placed in generated client configs (default: placeholder)")
	serverEndpointFlag := flag.String("server-endpoint", "", "server endpoint placed in generated client configs (default: placeholder)")

	// Prometheus metrics configuration.
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (empty disables)")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(*debugFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Set up prometheus metrics server if enabled.
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	clock := clockwork.NewRealClock()

	db, err := store.Open(ctx, &store.Config{
		Logger: log,
		Clock:  clock,
		Path:   *dbFlag,
	})
	if err != nil {
		log.Error("failed to open store", "error", err, "path", *dbFlag)
		return err
	}
	defer db.Close()

	wgClient, err := wg.NewClient(&wg.Config{
		Logger:    log,
		Interface: *interfaceFlag,
	})
	if err != nil {
		log.Error("failed to create wireguard client", "error", err)
		return err
	}

	statsProvider, err := stats.New(&stats.Config{
		Logger: log,
		Clock:  clock,
		Store:  db,
	})
	if err != nil {
		log.Error("failed to create stats provider", "error", err)
		return err
	}

	engine, err := session.New(log, &session.Config{
		Clock:           clock,
		Store:           db,
		Peers:           wgClient,
		Stats:           statsProvider,
		Interval:        *intervalFlag,
		MaxHandshakeAge: *maxHandshakeAgeFlag,
	})
	if err != nil {
		log.Error("failed to create session engine", "error", err)
		return err
	}

	userManager, err := users.New(log, &users.Config{
		Store:           db,
		WG:              wgClient,
		Sessions:        engine,
		ServerPublicKey: *serverPublicKeyFlag,
		ServerEndpoint:  *serverEndpointFlag,
	})
	if err != nil {
		log.Error("failed to create user manager", "error", err)
		return err
	}

	server, err := api.NewServer(&api.ServerConfig{
		Logger:          log,
		Clock:           clock,
		Store:           db,
		Stats:           statsProvider,
		Users:           userManager,
		Engine:          engine,
		WG:              wgClient,
		MaxHandshakeAge: *maxHandshakeAgeFlag,
	})
	if err != nil {
		log.Error("failed to create api server", "error", err)
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *portFlag))
	if err != nil {
		log.Error("failed to start api listener", "error", err, "port", *portFlag)
		return err
	}
	log.Info("api server listening", "address", listener.Addr().String())

	engineErrCh := engine.Start(ctx)
	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- server.Serve(ctx, listener)
	}()

	select {
	case err := <-engineErrCh:
		log.Error("session engine: error", "error", err)
		return err
	case err := <-apiErrCh:
		if err != nil {
			log.Error("api server: error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("context done, stopping")
		// Let the HTTP server finish its graceful shutdown and the
		// in-flight tick complete before the store closes.
		if err := <-apiErrCh; err != nil {
			log.Warn("api server shutdown error", "error", err)
		}
		<-engineErrCh
		return nil
	}
}

func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
