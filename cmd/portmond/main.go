// portmond taps serial ports and serves their traffic to listeners over a
// Unix control socket.
//
// Each --tap DEVICE[@BAUD] opens the port in raw mode and allocates a
// pseudo-terminal that the application should use instead; its path is
// logged on startup. Listeners connect with the portmon command or any
// ctlsock client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
	"github.com/luhtfiimanal/go-linux-portmon/ctlsock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		socketPath    string
		tapFlags      []string
		metricsListen string
		logLevel      string
	)

	flagSet := pflag.NewFlagSet("portmond", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.StringVar(&socketPath, "socket", "", "control socket path (default "+defaultSocketPath+")")
	flagSet.StringArrayVar(&tapFlags, "tap", nil, "serial port to tap, as DEVICE[@BAUD] (repeatable)")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on, e.g. :9464")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Socket = socketPath
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	for _, value := range tapFlags {
		tap, err := parseTapFlag(value)
		if err != nil {
			return err
		}
		cfg.Taps = append(cfg.Taps, tap)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor, err := portmon.New(cfg.Monitor, logger)
	if err != nil {
		return err
	}
	defer monitor.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	taps := make([]*portmon.Tap, 0, len(cfg.Taps))
	defer func() {
		for _, tap := range taps {
			tap.Close()
		}
	}()
	for _, tapConfig := range cfg.Taps {
		tap, err := portmon.OpenTap(monitor, tapConfig)
		if err != nil {
			return fmt.Errorf("tap %s: %w", tapConfig.Device, err)
		}
		taps = append(taps, tap)
	}

	group, ctx := errgroup.WithContext(ctx)

	for i, tap := range taps {
		device := cfg.Taps[i].Device
		logger.Info("tapping port", "port", device, "path", tap.Path())
		group.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- tap.Wait() }()
			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("tap %s: %w", device, err)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}

	server := ctlsock.NewServer(cfg.Socket, monitor, logger)
	group.Go(func() error {
		return server.Serve(ctx)
	})

	if cfg.MetricsListen != "" {
		group.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsListen, monitor, logger)
		})
	}

	err = group.Wait()
	logger.Info("shutting down")
	return err
}

// serveMetrics exposes the monitor's collectors until ctx is done.
func serveMetrics(ctx context.Context, address string, monitor *portmon.Monitor, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(monitor)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
