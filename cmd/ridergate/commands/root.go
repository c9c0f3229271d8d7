package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/ridergate/internal/app"
	"github.com/florianilch/ridergate/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "ridergate",
		Usage: "Rider session ambassador",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:     "log-level",
				Category: configCategory,
				Usage:    "log level (debug|info|warn|error)",
				Value:    slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:     "log-format",
				Category: configCategory,
				Usage:    "log format (text|json)",
				Value:    string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:     "log-exporter",
				Category: configCategory,
				Usage:    "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value:    string(app.DefaultConfigLogExporter),
			},
			&cli.StringFlag{
				Name:     "api--base-url",
				Category: configCategory,
				Usage:    "remote rider API base URL",
				Value:    app.DefaultConfigAPIBaseURL,
			},
			&cli.StringFlag{
				Name:     "auth--storage",
				Category: configCategory,
				Usage:    "refresh token storage (file|env|keyring|redis)",
				Value:    string(app.DefaultConfigAuthStorage),
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			loginCommand(),
			logoutCommand(),
			statusCommand(),
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "restore the session and serve the local API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server--host",
				Category: configCategory,
				Usage:    "server host",
				Value:    app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:     "server--port",
				Category: configCategory,
				Usage:    "server port",
				Value:    int(app.DefaultConfigServerPort),
			},
		},
		Action: startAction,
	}
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// setup loads configuration, installs logging and wires the application.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		Exporter:      cfg.LogExporter,
		TraceEndpoint: cfg.TraceEndpoint,
	})
	if err != nil {
		flush(shutdown)
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		flush(shutdown)
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, shutdown, nil
}

// flush stops the telemetry pipeline with a fresh context so pending records survive cancellation.
func flush(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), app.DefaultConfigShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}
