package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/deploysync/pkg/deploy"
	"github.com/tqbf/deploysync/pkg/deployapi"
)

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the state of a deploy",
		ArgsUsage: "<deploy-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "poll until the deploy is live or fails",
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: deploysync status <deploy-id>")
	}
	id := c.Args().Get(0)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := requireClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var d *deployapi.Deploy
	if c.Bool("wait") {
		d, err = deploy.AwaitLive(ctx, client, id, deploy.PollOptions{
			Site:              cfg.Site,
			Interval:          cfg.Deploy.PollInterval,
			Timeout:           cfg.Deploy.Timeout,
			Policy:            cfg.RetryPolicy(),
			RetryClientErrors: cfg.Upload.RetryClientErrors,
			Logger:            slog.Default(),
		})
	} else {
		d, err = client.GetDeploy(ctx, cfg.Site, id)
	}
	if err != nil {
		return err
	}
	printDeploy(c.App.Writer, d)
	return nil
}

func printDeploy(w io.Writer, d *deployapi.Deploy) {
	fmt.Fprintf(w, "Deploy: %s\n", d.ID)
	fmt.Fprintf(w, "  State: %s\n", d.State)
	if d.Title != "" {
		fmt.Fprintf(w, "  Title: %s\n", d.Title)
	}
	if len(d.Required) > 0 {
		fmt.Fprintf(w, "  Pending uploads: %d\n", len(d.Required))
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error: %s\n", d.ErrorMessage)
	}
	if d.DeployURL != "" {
		fmt.Fprintf(w, "  URL: %s\n", d.DeployURL)
	}
}
