package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tftpd/internal/clock"
	"tftpd/internal/config"
	"tftpd/internal/fsio"
	"tftpd/internal/logging"
	"tftpd/internal/registry"
	"tftpd/internal/server"
	"tftpd/internal/session"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Default()

	app := &cli.App{
		Name:  "tftpd",
		Usage: "serve files over TFTP (RFC 1350)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file, overlaid before flags"},
			&cli.StringFlag{Name: "bind", Value: cfg.BindAddr, Usage: "address to listen on"},
			&cli.IntFlag{Name: "port", Value: cfg.Port, Usage: "UDP port to listen on"},
			&cli.StringFlag{Name: "root", Value: cfg.Root, Usage: "directory to serve"},
			&cli.DurationFlag{Name: "retry-delay", Value: cfg.RetryDelay, Usage: "retransmission timeout"},
			&cli.IntFlag{Name: "max-retries", Value: cfg.MaxRetries, Usage: "retransmission attempts before giving up"},
			&cli.DurationFlag{Name: "tick", Value: cfg.TickPeriod, Usage: "timeout sweep interval"},
			&cli.StringFlag{Name: "log-level", Value: cfg.LogLevel, Usage: "debug, info, warn, or error"},
		},
		Action: func(c *cli.Context) error {
			if path := c.String("config"); path != "" {
				loaded, err := config.LoadFile(path, cfg)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if c.IsSet("bind") {
				cfg.BindAddr = c.String("bind")
			}
			if c.IsSet("port") {
				cfg.Port = c.Int("port")
			}
			if c.IsSet("root") {
				cfg.Root = c.String("root")
			}
			if c.IsSet("retry-delay") {
				cfg.RetryDelay = c.Duration("retry-delay")
			}
			if c.IsSet("max-retries") {
				cfg.MaxRetries = c.Int("max-retries")
			}
			if c.IsSet("tick") {
				cfg.TickPeriod = c.Duration("tick")
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = c.String("log-level")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	return app.Run(args)
}

func serve(cfg config.Config) error {
	zapLogger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	fs := fsio.NewOsFS()
	reg := registry.New()
	clk := clock.Real{}
	retry := session.RetryPolicy{Delay: cfg.RetryDelay, MaxRetries: cfg.MaxRetries}

	srv, err := server.New(cfg.BindAddr, cfg.Port, cfg.Root, fs, reg, clk, log, cfg.TickPeriod, retry)
	if err != nil {
		return fmt.Errorf("tftpd: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("tftpd starting", "bind", cfg.BindAddr, "port", cfg.Port, "root", cfg.Root)
	start := time.Now()
	err = srv.Run(ctx)
	log.Infow("tftpd stopped", "uptime", time.Since(start))
	return err
}
