// Package main runs poselink: it opens the configured motion capture sources,
// registers discovered performers with the chosen animation consumer and
// streams their frames until interrupted.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/poselink/config"
	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/health"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/natsclient"
	"github.com/c360/poselink/output/file"
	"github.com/c360/poselink/output/natsout"
	"github.com/c360/poselink/output/websocket"
	"github.com/c360/poselink/pkg/tlsutil"
	"github.com/c360/poselink/portregistry"
	"github.com/c360/poselink/source"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "poselink"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "sources", len(cfg.Sources), "consumer", cfg.Consumer.Type)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()

	out, err := openOutput(ctx, cfg, metricsRegistry, logger)
	if err != nil {
		return err
	}

	sources, err := openSources(ctx, cfg, metricsRegistry, logger)
	if err != nil {
		closeOutput(out, cliCfg.ShutdownTimeout, logger)
		return err
	}

	for _, src := range sources {
		if err := src.AttachConsumer(ctx, out.consumer); err != nil {
			shutdownSources(sources, cliCfg.ShutdownTimeout, logger)
			closeOutput(out, cliCfg.ShutdownTimeout, logger)
			return fmt.Errorf("attach consumer to %s: %w", src.Name(), err)
		}
		logger.Info("Source ready", "source", src.Name(), "status", src.Status())
	}

	runErr := serve(ctx, cfg, sources, out, metricsRegistry, logger)

	logger.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout)
	shutdownSources(sources, cliCfg.ShutdownTimeout, logger)
	closeOutput(out, cliCfg.ShutdownTimeout, logger)

	if runErr != nil {
		return runErr
	}
	logger.Info("poselink shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, true, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting poselink",
		"version", Version,
		"build_time", BuildTime,
		"config", cliCfg.ConfigPaths)

	return cliCfg, logger, false, nil
}

// loadConfig merges the configuration layers and validates the result
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// output is the consumer every source delivers to, with its lifecycle hooks.
type output struct {
	consumer consumer.Consumer
	health   func() health.Status
	close    func(timeout time.Duration) error
}

func openOutput(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*output, error) {
	switch cfg.Consumer.Type {
	case config.ConsumerWebSocket:
		ws, err := websocket.NewOutput(cfg.Consumer.WebSocket, websocket.Deps{
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create websocket output: %w", err)
		}
		if err := ws.Start(ctx); err != nil {
			return nil, fmt.Errorf("start websocket output: %w", err)
		}
		logger.Info("WebSocket output listening", "addr", ws.Addr(), "path", cfg.Consumer.WebSocket.Path)
		return &output{consumer: ws, health: ws.Health, close: ws.Stop}, nil

	case config.ConsumerFile:
		rec, err := file.NewOutput(cfg.Consumer.File, file.Deps{
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create file output: %w", err)
		}
		if err := rec.Start(ctx); err != nil {
			return nil, fmt.Errorf("start file output: %w", err)
		}
		return &output{consumer: rec, health: rec.Health, close: rec.Stop}, nil

	default:
		client, err := connectToNATS(ctx, cfg.NATS, registry, logger)
		if err != nil {
			return nil, err
		}
		nc, err := natsout.Open(ctx, client, cfg.Consumer.NATS, registry, logger)
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
			return nil, fmt.Errorf("open NATS output: %w", err)
		}
		return &output{
			consumer: nc,
			health:   func() health.Status { return natsHealth(client) },
			close: func(timeout time.Duration) error {
				closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return client.Close(closeCtx)
			},
		}, nil
	}
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("load NATS TLS config: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs, "tls", cfg.TLS.Enabled)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

func natsHealth(client *natsclient.Client) health.Status {
	if client.IsHealthy() {
		return health.Healthy("natsclient", "connected")
	}
	return health.Unhealthy("natsclient", client.Status().String())
}

// openSources binds every configured source. Nothing stays bound on error.
func openSources(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) ([]*source.Source, error) {
	ports := portregistry.New()
	sources := make([]*source.Source, 0, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		src, err := source.New(ctx, source.Deps{
			Config:          sc,
			Ports:           ports,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			var bindErr *source.BindError
			if stderrors.As(err, &bindErr) {
				logger.Error("Source port unavailable", "port", bindErr.Port, "error", bindErr.Err)
			}
			shutdownSources(sources, source.DefaultShutdownTimeout, logger)
			return nil, fmt.Errorf("open source on port %d: %w", sc.Port, err)
		}
		sources = append(sources, src)
	}

	return sources, nil
}

// serve polls every source and exposes metrics until ctx is cancelled or a
// component fails.
func serve(
	ctx context.Context,
	cfg *config.Config,
	sources []*source.Source,
	out *output,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		src := src
		g.Go(func() error {
			return src.Run(gctx, cfg.PollInterval)
		})
	}

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry).
			WithHealth(func() []health.Status {
				statuses := make([]health.Status, 0, len(sources)+1)
				for _, src := range sources {
					statuses = append(statuses, src.Health())
				}
				return append(statuses, out.health())
			})

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(stopCtx)
		})
		logger.Info("Metrics available", "url", srv.Address())
	}

	logger.Info("poselink started", "sources", len(sources), "consumer", cfg.Consumer.Type)
	return g.Wait()
}

func shutdownSources(sources []*source.Source, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, src := range sources {
		if err := src.Shutdown(ctx); err != nil {
			logger.Error("Source shutdown failed", "source", src.Name(), "error", err)
		}
	}
}

func closeOutput(out *output, timeout time.Duration, logger *slog.Logger) {
	if err := out.close(timeout); err != nil {
		logger.Error("Output shutdown failed", "error", err)
	}
}
