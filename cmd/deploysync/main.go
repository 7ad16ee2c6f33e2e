package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/deploysync/pkg/config"
	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
)

const appVersion = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "deploysync",
		Usage: "deploy a directory to a static hosting site",
		Before: func(c *cli.Context) error {
			configureLogging(c.Bool("verbose"))
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultFile,
				Usage:   "config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file with DEPLOYSYNC_* settings",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "API token (or DEPLOYSYNC_TOKEN)",
			},
			&cli.StringFlag{
				Name:  "api",
				Usage: "API base URL",
			},
			&cli.StringFlag{
				Name:  "site",
				Usage: "site ID or name",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "limit for the diff and go-live waits; uploads use --upload-timeout",
			},
			&cli.DurationFlag{
				Name:  "upload-timeout",
				Usage: "limit for each blob upload attempt; a timed-out attempt is retried",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "verbose output",
			},
		},
		Commands: []*cli.Command{
			deployCmd(),
			manifestCmd(),
			statusCmd(),
			doctorCmd(),
			configCmd(),
			{
				Name:  "version",
				Usage: "print version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, appVersion)
					return nil
				},
			},
		},
	}
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	))
}

// loadConfig layers the config file, the environment and the global
// flags, in that order.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"), !c.IsSet("config"))
	if err != nil {
		return cfg, err
	}
	env, err := config.Environ(c.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return cfg, err
	}
	if c.IsSet("api") {
		cfg.API = c.String("api")
	}
	if c.IsSet("token") {
		cfg.Token = c.String("token")
	}
	if c.IsSet("site") {
		cfg.Site = c.String("site")
	}
	if c.IsSet("timeout") {
		cfg.Deploy.Timeout = c.Duration("timeout")
	}
	if c.IsSet("upload-timeout") {
		cfg.Upload.AttemptTimeout = c.Duration("upload-timeout")
	}
	return cfg, nil
}

func requireClient(cfg config.Config) (*deployapi.Client, error) {
	if cfg.Token == "" {
		return nil, errors.New(
			"no token: set DEPLOYSYNC_TOKEN or use --token",
		)
	}
	if cfg.Site == "" {
		return nil, errors.New(
			"no site: set site in " + config.DefaultFile +
				", DEPLOYSYNC_SITE or --site",
		)
	}
	client := deployapi.New(cfg.API, cfg.Token)
	client.UserAgent = "deploysync/" + appVersion
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
}

func contextWithTimeout(
	c *cli.Context, d time.Duration,
) (context.Context, context.CancelFunc) {
	if c.IsSet("timeout") {
		d = c.Duration("timeout")
	}
	return context.WithTimeout(c.Context, d)
}

// exitCode separates bad input from service trouble so scripts can
// tell them apart.
func exitCode(err error) int {
	switch deployerr.KindOf(err) {
	case deployerr.KindInput:
		return 2
	case deployerr.KindTimeout:
		return 3
	case deployerr.KindCanceled:
		return 130
	}
	return 1
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf(
			"%.1f GB", float64(n)/(1<<30),
		)
	case n >= 1<<20:
		return fmt.Sprintf(
			"%.1f MB", float64(n)/(1<<20),
		)
	case n >= 1<<10:
		return fmt.Sprintf(
			"%.1f KB", float64(n)/(1<<10),
		)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
