package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/deploysync/pkg/config"
	"github.com/tqbf/deploysync/pkg/deploy"
	"github.com/tqbf/deploysync/pkg/gitinfo"
	"github.com/tqbf/deploysync/pkg/metrics"
	"github.com/tqbf/deploysync/pkg/paths"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/walk"
)

func deployCmd() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "upload changed files and wait for the deploy to go live",
		ArgsUsage: "[dir...]",
		Flags: append(walkFlags(),
			&cli.StringFlag{
				Name:    "message",
				Aliases: []string{"m"},
				Usage:   "deploy title (default: HEAD commit subject)",
			},
			&cli.BoolFlag{
				Name:  "draft",
				Usage: "create a draft deploy",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "parallel uploads",
			},
			&cli.BoolFlag{
				Name:  "no-git",
				Usage: "do not read branch and commit from git",
			},
			&cli.StringFlag{
				Name:  "progress-url",
				Usage: "websocket endpoint that receives progress events",
			},
			&cli.StringFlag{
				Name:  "pushgateway",
				Usage: "Prometheus pushgateway URL for run metrics",
			},
		),
		Action: deployAction,
	}
}

func walkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "exclude pattern (repeatable)",
		},
		&cli.StringFlag{
			Name:  "algorithm",
			Usage: "content digest: sha1, sha256, sha384 or sha512",
		},
	}
}

// applyWalkFlags copies the walk flags shared by deploy and manifest.
func applyWalkFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("exclude") {
		cfg.Exclude = append(cfg.Exclude, c.StringSlice("exclude")...)
	}
	if c.IsSet("algorithm") {
		cfg.Hash.Algorithm = c.String("algorithm")
	}
}

func deployDirs(c *cli.Context, cfg config.Config) ([]walk.Root, error) {
	dirs := c.Args().Slice()
	if len(dirs) == 0 {
		dirs = []string{cfg.Dir}
	}
	roots := make([]walk.Root, 0, len(dirs))
	for _, dir := range dirs {
		root, err := walk.OSRoot(dir)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// deployFilter adds the config file to the excludes when it sits
// inside a deploy root.
func deployFilter(
	c *cli.Context, cfg config.Config, roots []walk.Root,
) (paths.Filter, error) {
	filter, err := cfg.Filter()
	if err != nil {
		return nil, err
	}
	cfgPath, err := filepath.Abs(c.String("config"))
	if err != nil {
		return filter, nil
	}
	for _, r := range roots {
		if !paths.IsWithinDir(r.Dir, cfgPath) {
			continue
		}
		rel, err := filepath.Rel(r.Dir, cfgPath)
		if err != nil {
			continue
		}
		slog.Debug("excluding config file", "path", rel)
		filter = paths.All(filter, paths.ExcludeDir(filepath.ToSlash(rel)))
	}
	return filter, nil
}

func deployAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyWalkFlags(c, &cfg)
	if c.IsSet("message") {
		cfg.Deploy.Title = c.String("message")
	}
	if c.IsSet("draft") {
		cfg.Deploy.Draft = c.Bool("draft")
	}
	if c.IsSet("concurrency") {
		cfg.Upload.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("progress-url") {
		cfg.Progress.WebSocketURL = c.String("progress-url")
	}
	if c.IsSet("pushgateway") {
		cfg.Metrics.PushgatewayURL = c.String("pushgateway")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := requireClient(cfg)
	if err != nil {
		return err
	}
	roots, err := deployDirs(c, cfg)
	if err != nil {
		return err
	}
	filter, err := deployFilter(c, cfg, roots)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	meta := deploy.Metadata{
		Title: cfg.Deploy.Title,
		Draft: cfg.Deploy.Draft,
	}
	if !c.Bool("no-git") {
		describeGit(roots[0].Dir, &meta)
	}

	var sink progress.Sink = progress.LogSink{Logger: slog.Default()}
	if cfg.Progress.WebSocketURL != "" {
		ws, err := progress.DialWebSocket(ctx, cfg.Progress.WebSocketURL, 0)
		if err != nil {
			return fmt.Errorf("progress websocket: %w", err)
		}
		defer func() {
			ws.Close(2 * time.Second)
			if n := ws.Dropped(); n > 0 {
				slog.Warn("progress events dropped", "count", n)
			}
		}()
		sink = progress.Multi(sink, ws)
	}

	rec := metrics.NewPrometheusRecorder(nil)
	report, err := deploy.Run(ctx, client, deploy.Options{
		Site:              cfg.Site,
		Roots:             roots,
		Filter:            filter,
		HashConcurrency:   cfg.Hash.Concurrency,
		UploadConcurrency: cfg.Upload.Concurrency,
		Algorithm:         cfg.Algorithm(),
		Policy:            cfg.RetryPolicy(),
		RetryClientErrors: cfg.Upload.RetryClientErrors,
		SyncLimit:         cfg.Deploy.SyncLimit,
		PollInterval:      cfg.Deploy.PollInterval,
		Timeout:           cfg.Deploy.Timeout,
		Metadata:          meta,
		Sink:              sink,
		Metrics:           rec,
		Logger:            slog.Default(),

		UploadAttemptTimeout: cfg.Upload.AttemptTimeout,
	})
	pushMetrics(rec, cfg.Metrics)
	if err != nil {
		return err
	}

	printReport(c.App.Writer, report)
	return nil
}

func describeGit(dir string, meta *deploy.Metadata) {
	info, err := gitinfo.Describe(dir)
	if err != nil {
		if !errors.Is(err, gitinfo.ErrNotRepository) {
			slog.Warn("reading git metadata", "error", err)
		}
		return
	}
	meta.Branch = info.Branch
	meta.CommitRef = info.Commit
	if meta.Title == "" {
		meta.Title = info.Subject
	}
	slog.Debug("git metadata",
		"branch", info.Branch,
		"commit", info.Commit,
	)
}

func pushMetrics(rec *metrics.PrometheusRecorder, mc config.MetricsConfig) {
	if mc.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.Push(ctx, mc.PushgatewayURL, mc.Job); err != nil {
		slog.Warn("pushing metrics", "error", err)
	}
}

func printReport(w io.Writer, r *deploy.Report) {
	var sent int64
	for _, u := range r.Uploaded {
		sent += u.Bytes
	}
	if len(r.Uploaded) == 0 {
		fmt.Fprintf(w, "%d files (%s), nothing to upload\n",
			r.Files, humanBytes(r.Bytes),
		)
	} else {
		fmt.Fprintf(w, "%d files (%s), uploaded %d (%s)\n",
			r.Files, humanBytes(r.Bytes),
			len(r.Uploaded), humanBytes(sent),
		)
	}
	fmt.Fprintf(w, "Deploy %s is live in %s\n",
		r.Deploy.ID, r.Elapsed.Round(time.Millisecond),
	)
	if r.Deploy.DeployURL != "" {
		fmt.Fprintln(w, r.Deploy.DeployURL)
	}
}
