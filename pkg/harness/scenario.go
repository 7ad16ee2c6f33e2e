// Package harness runs the deploy pipeline end to end against an
// in-process fake hosting service.
package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tqbf/deploysync/pkg/deploy"
	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/fakeserver"
	"github.com/tqbf/deploysync/pkg/walk"
)

type Scenario struct {
	Host   *fakeserver.Server
	Client *deployapi.Client
}

func Start(cfg fakeserver.Config) *Scenario {
	if cfg.Token == "" {
		cfg.Token = "harness-token"
	}
	host := fakeserver.New(cfg)
	return &Scenario{
		Host:   host,
		Client: deployapi.New(host.URL(), cfg.Token),
	}
}

func (s *Scenario) Close() {
	s.Host.Close()
}

// Deploy runs the full pipeline for dirs, filling in the site and
// roots on opts.
func (s *Scenario) Deploy(
	ctx context.Context,
	opts deploy.Options,
	dirs ...string,
) (*deploy.Report, error) {
	opts.Site = s.Host.Site()
	opts.Roots = opts.Roots[:0:0]
	for _, dir := range dirs {
		root, err := walk.OSRoot(dir)
		if err != nil {
			return nil, err
		}
		opts.Roots = append(opts.Roots, root)
	}
	return deploy.Run(ctx, s.Client, opts)
}

// MakeTree writes files (slash-separated relative path to content)
// under dir.
func MakeTree(dir string, files map[string]string) error {
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}
