package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/config"
	"github.com/trace-labs/didtrace/flow"
	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/mediator"
	traceotel "github.com/trace-labs/didtrace/otel"
	"github.com/trace-labs/didtrace/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 3000, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("static-dir", "frontend/dist", "Frontend assets directory (empty to disable)")
	cmd.Flags().String("config", "", "Path to didtrace.yaml")
	cmd.Flags().String("environment", "default", "Environment name in the environments file")
	cmd.Flags().String("environments-file", "environments.json", "Path to the environments file")
	cmd.Flags().String("ping-schedule", "", "Cron expression for periodic mediator liveness pings")
	cmd.Flags().Duration("pickup-timeout", flow.DefaultPickupTimeout, "How long ping flows wait for a pong")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	// The SSE stream stays open indefinitely, so there is no write
	// timeout by default.
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 disables)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

// serveOptions is the merged flag + config file view.
type serveOptions struct {
	host             string
	port             int
	corsOrigin       string
	staticDir        string
	environment      string
	environmentsFile string
	pingSchedule     string
	pickupTimeout    time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	maxBody          int64
}

// resolveServeOptions loads the optional config file and overlays any
// explicitly set flags on top of it.
func resolveServeOptions(cmd *cobra.Command) (serveOptions, error) {
	opts := serveOptions{}
	opts.host, _ = cmd.Flags().GetString("host")
	opts.port, _ = cmd.Flags().GetInt("port")
	opts.corsOrigin, _ = cmd.Flags().GetString("cors-origin")
	opts.staticDir, _ = cmd.Flags().GetString("static-dir")
	opts.environment, _ = cmd.Flags().GetString("environment")
	opts.environmentsFile, _ = cmd.Flags().GetString("environments-file")
	opts.pingSchedule, _ = cmd.Flags().GetString("ping-schedule")
	opts.pickupTimeout, _ = cmd.Flags().GetDuration("pickup-timeout")
	opts.readTimeout, _ = cmd.Flags().GetDuration("read-timeout")
	opts.writeTimeout, _ = cmd.Flags().GetDuration("write-timeout")
	opts.maxBody, _ = cmd.Flags().GetInt64("max-body")

	explicitConfigPath, _ := cmd.Flags().GetString("config")
	configPath, found, err := config.DiscoverPath(explicitConfigPath)
	if err != nil {
		return serveOptions{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		return opts, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return serveOptions{}, exitError(exitConfig, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", configPath)

	// Flags set on the command line win over the config file.
	if cfg.Host != "" && !cmd.Flags().Changed("host") {
		opts.host = cfg.Host
	}
	if cfg.Port != 0 && !cmd.Flags().Changed("port") {
		opts.port = cfg.Port
	}
	if cfg.CORSOrigin != "" && !cmd.Flags().Changed("cors-origin") {
		opts.corsOrigin = cfg.CORSOrigin
	}
	if cfg.StaticDir != "" && !cmd.Flags().Changed("static-dir") {
		opts.staticDir = cfg.StaticDir
	}
	if cfg.Environment != "" && !cmd.Flags().Changed("environment") {
		opts.environment = cfg.Environment
	}
	if cfg.EnvironmentsFile != "" && !cmd.Flags().Changed("environments-file") {
		opts.environmentsFile = cfg.EnvironmentsFile
	}
	if cfg.PingSchedule != "" && !cmd.Flags().Changed("ping-schedule") {
		opts.pingSchedule = cfg.PingSchedule
	}
	if cfg.PickupTimeout != 0 && !cmd.Flags().Changed("pickup-timeout") {
		opts.pickupTimeout = cfg.PickupTimeout.Std()
	}
	return opts, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, err := resolveServeOptions(cmd)
	if err != nil {
		return err
	}
	logger := slog.Default()

	identities, err := identity.Load(opts.environmentsFile, opts.environment)
	if err != nil {
		return exitError(exitConfig, "loading identities: %v", err)
	}

	client, err := mediator.New(mediator.Config{
		Registry: identities,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitConfig, "creating mediator client: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Bootstrap(ctx); err != nil {
		return exitError(exitRuntime, "mediator bootstrap: %v", err)
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	flows := flow.New(flow.Config{
		Bus:           eb,
		Client:        client,
		Identities:    identities,
		PickupTimeout: opts.pickupTimeout,
		Logger:        logger,
	})

	// Flow tracing rides on its own bus subscription.
	tracing := traceotel.NewTracingHandler(
		otelapi.GetTracerProvider().Tracer("didtrace/flow"),
	)
	go tracing.Pump(ctx, eb)

	var scheduler *cron.Cron
	if opts.pingSchedule != "" {
		scheduler, err = startPingSchedule(ctx, opts.pingSchedule, flows, identities, logger)
		if err != nil {
			return exitError(exitConfig, "invalid ping schedule: %v", err)
		}
		defer scheduler.Stop()
	}

	api := server.NewServer(server.ServerConfig{
		Flows:      flows,
		Identities: identities,
		Client:     client,
		Bus:        eb,
		CORSOrigin: opts.corsOrigin,
		MaxBody:    opts.maxBody,
		StaticDir:  opts.staticDir,
		Logger:     logger,
	})

	addr := net.JoinHostPort(opts.host, fmt.Sprintf("%d", opts.port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  opts.readTimeout,
		WriteTimeout: opts.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "didtrace listening on %s\n", addr)
		fmt.Fprintf(cmd.OutOrStdout(), "SSE stream: http://%s/api/packets/stream\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// startPingSchedule runs a mediator liveness ping for each participant
// on the given cron schedule.
func startPingSchedule(ctx context.Context, schedule string, flows *flow.Orchestrator, identities *identity.Registry, logger *slog.Logger) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		for _, id := range identities.All() {
			if _, err := flows.TrustPing(ctx, id.Alias, "mediator"); err != nil {
				logger.Warn("scheduled liveness ping failed",
					"alias", id.Alias, "error", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	scheduler.Start()
	return scheduler, nil
}
