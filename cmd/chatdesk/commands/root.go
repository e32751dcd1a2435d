package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/chatdesk/internal/app"
	"github.com/florianilch/chatdesk/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "chatdesk",
		Usage: "Support dashboard API and realtime client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars(envPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "REST API base URL",
				Value: app.DefaultConfigAPIBaseURL,
			},
			&cli.DurationFlag{
				Name:  "api--timeout",
				Usage: "timeout per HTTP attempt (0 disables)",
			},
			&cli.StringFlag{
				Name:  "realtime--url",
				Usage: "realtime endpoint URL",
				Value: app.DefaultConfigRealtimeURL,
			},
			&cli.StringFlag{
				Name:  "auth--storage",
				Usage: "credential storage (file|keyring|redis|memory)",
				Value: string(app.DefaultConfigAuthStorage),
			},
			&cli.StringFlag{
				Name:  "auth--file",
				Usage: "credentials file for file storage",
			},
			&cli.StringFlag{
				Name:  "telemetry--exporter",
				Usage: "OpenTelemetry log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value: observability.ExporterNone,
			},
			&cli.StringFlag{
				Name:  "telemetry--endpoint",
				Usage: "OTLP collector endpoint URL",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			whoamiCommand(),
			statusCommand(),
			requestCommand(),
			watchCommand(),
			presenceCommand(),
			typingCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// bootstrap loads configuration, sets up logging and builds the App.
// The returned cleanup closes the App and flushes exported logs.
func bootstrap(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownTelemetry, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), observability.Exporter{
		Kind:     cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		_ = shutdownTelemetry(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	cleanup := func() {
		if err := application.Close(); err != nil {
			slog.WarnContext(ctx, "closing app", "error", err)
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "flushing telemetry: %v\n", err)
		}
	}

	return application, cleanup, nil
}
