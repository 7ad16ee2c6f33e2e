package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tqbf/deploysync/pkg/gitinfo"
	"github.com/tqbf/deploysync/pkg/walk"
)

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:   "doctor",
		Usage:  "verify configuration and API access",
		Action: doctorAction,
	}
}

func doctorAction(c *cli.Context) error {
	w := c.App.Writer
	cfg, err := loadConfig(c)
	if err != nil {
		fmt.Fprintf(w, "  Config: FAIL (%v)\n", err)
		return fmt.Errorf("config check failed")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "  Config: FAIL (%v)\n", err)
		return fmt.Errorf("config check failed")
	}
	fmt.Fprintf(w, "  Config: ok\n")

	if _, err := walk.OSRoot(cfg.Dir); err != nil {
		fmt.Fprintf(w, "  Publish dir: FAIL (%v)\n", err)
		return fmt.Errorf("publish dir check failed")
	}
	fmt.Fprintf(w, "  Publish dir: ok (%s)\n", cfg.Dir)

	if info, err := gitinfo.Describe(cfg.Dir); err == nil {
		fmt.Fprintf(w, "  Git: %s @ %.12s\n", info.Branch, info.Commit)
	} else {
		fmt.Fprintf(w, "  Git: none (%v)\n", err)
	}

	client, err := requireClient(cfg)
	if err != nil {
		fmt.Fprintf(w, "  API: FAIL (%v)\n", err)
		return fmt.Errorf("credentials check failed")
	}

	ctx, cancel := contextWithTimeout(c, 30*time.Second)
	defer cancel()

	t := time.Now()
	site, err := client.GetSite(ctx, cfg.Site)
	if err != nil {
		fmt.Fprintf(w, "  API: FAIL (%v)\n", err)
		return fmt.Errorf("site check failed")
	}
	fmt.Fprintf(w, "  API: ok (%dms)\n", time.Since(t).Milliseconds())
	fmt.Fprintf(w, "  Site: %s (%s)\n", site.Name, site.URL)

	fmt.Fprintln(w, "\nAll checks passed.")
	return nil
}
