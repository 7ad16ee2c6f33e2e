package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/walk"
)

func manifestCmd() *cli.Command {
	return &cli.Command{
		Name:      "manifest",
		Usage:     "hash the local tree and show what a deploy would send",
		ArgsUsage: "[dir...]",
		Flags: append(walkFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "JSON output",
			},
		),
		Action: manifestAction,
	}
}

type manifestJSON struct {
	Algorithm string            `json:"algorithm"`
	Files     map[string]string `json:"files"`
	Summary   manifestSummary   `json:"summary"`
}

type manifestSummary struct {
	FileCount   int   `json:"file_count"`
	DigestCount int   `json:"digest_count"`
	TotalBytes  int64 `json:"total_bytes"`
	UniqueBytes int64 `json:"unique_bytes"`
}

func manifestAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyWalkFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
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

	walker := &walk.Walker{Filter: filter, Logger: slog.Default()}
	res, err := manifest.Hash(ctx, walker.Walk(roots...),
		manifest.HashOptions{
			Concurrency: cfg.Hash.Concurrency,
			Algorithm:   cfg.Algorithm(),
		})
	if err != nil {
		return err
	}
	slog.Debug("hashed",
		"files", len(res.Manifest),
		"elapsed", res.Elapsed,
	)

	summary := summarize(res)
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(manifestJSON{
			Algorithm: string(cfg.Algorithm()),
			Files:     res.Manifest,
			Summary:   summary,
		})
	}
	printManifest(c.App.Writer, res, summary)
	return nil
}

func summarize(res *manifest.Result) manifestSummary {
	s := manifestSummary{
		FileCount:   len(res.Manifest),
		DigestCount: len(res.Index),
		TotalBytes:  res.Bytes,
	}
	for _, files := range res.Index {
		s.UniqueBytes += files[0].Size
	}
	return s
}

func printManifest(w io.Writer, res *manifest.Result, s manifestSummary) {
	var b strings.Builder
	for _, p := range res.Manifest.Paths() {
		d := res.Manifest[p]
		rep, _ := res.Index.Representative(d)
		mark := " "
		if rep.NormalizedPath != p {
			mark = "="
		}
		fmt.Fprintf(&b, "  %s %.12s  %s (%s)\n",
			mark, d, p, humanBytes(rep.Size),
		)
	}
	fmt.Fprintf(&b, "---\n")
	fmt.Fprintf(&b, "%d files (%s), %d unique (%s)\n",
		s.FileCount, humanBytes(s.TotalBytes),
		s.DigestCount, humanBytes(s.UniqueBytes),
	)
	fmt.Fprint(w, b.String())
}
