package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tqbf/deploysync/pkg/deploy"
	"github.com/tqbf/deploysync/pkg/fakeserver"
	"github.com/tqbf/deploysync/pkg/harness"
	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/paths"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/retry"
)

func main() {
	var (
		pages    = flag.Int("pages", 200, "generated pages")
		flaky    = flag.Int("flaky", 5, "files whose first uploads fail")
		prepare  = flag.Int("prepare-ticks", 3, "status reads the diff stays preparing")
		verbose  = flag.Bool("v", false, "log every event")
		syncSize = flag.Int("sync-limit", 100, "largest manifest diffed synchronously")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: level})))

	if err := run(*pages, *flaky, *prepare, *syncSize); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(pages, flaky, prepare, syncLimit int) error {
	dir, err := os.MkdirTemp("", "deploysync-sim-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	fmt.Println("=== Building site tree ===")
	files := buildSite(pages)
	if err := harness.MakeTree(dir, files); err != nil {
		return err
	}
	fmt.Printf("Local: %s (%d files)\n\n", dir, len(files))

	s := harness.Start(fakeserver.Config{
		PrepareTicks: prepare,
		ProcessTicks: 2,
		UploadDelay:  5 * time.Millisecond,
	})
	defer s.Close()

	var events progress.Collector
	opts := deploy.Options{
		Policy: retry.NewPolicy(retry.ModeFibonacci,
			20*time.Millisecond, 200*time.Millisecond, 5, 0.5),
		SyncLimit:    syncLimit,
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Minute,
		Metadata:     deploy.Metadata{Title: "simulated deploy"},
		Sink:         progress.Multi(&events, progress.LogSink{}),
	}

	fmt.Println("=== First deploy ===")
	failing := injectFailures(s, files, flaky)
	report, err := s.Deploy(context.Background(), opts, dir)
	if err != nil {
		return fmt.Errorf("first deploy: %w", err)
	}
	printReport(report, &events)
	fmt.Printf("  Flaky files: %d (upload attempts total %d)\n",
		len(failing), s.Host.TotalUploadAttempts())

	fmt.Println("\n=== Editing a few pages ===")
	edits := map[string]string{
		"index.html":       page("home", randHex(8)),
		"blog/post-1.html": page("post 1", randHex(8)),
		"new/landing.html": page("landing", randHex(8)),
	}
	if err := harness.MakeTree(dir, edits); err != nil {
		return err
	}
	for _, p := range sortedKeys(edits) {
		fmt.Printf("  ~ %s\n", p)
	}

	fmt.Println("\n=== Second deploy ===")
	events = progress.Collector{}
	report, err = s.Deploy(context.Background(), opts, dir)
	if err != nil {
		return fmt.Errorf("second deploy: %w", err)
	}
	printReport(report, &events)
	return nil
}

// injectFailures makes the first two uploads of n files fail with
// transient statuses.
func injectFailures(s *harness.Scenario, files map[string]string, n int) []string {
	var out []string
	for _, p := range sortedKeys(files) {
		if len(out) >= n {
			break
		}
		if !paths.DefaultFilter(p) {
			continue
		}
		if !strings.HasSuffix(p, ".css") && !strings.HasSuffix(p, ".js") {
			continue
		}
		h := manifest.DefaultAlgorithm.New()
		h.Write([]byte(files[p]))
		s.Host.FailUpload(manifest.DefaultAlgorithm.Sum(h), 503, 429)
		out = append(out, p)
	}
	return out
}

func printReport(r *deploy.Report, events *progress.Collector) {
	var sent int64
	for _, u := range r.Uploaded {
		sent += u.Bytes
	}
	retried := 0
	for _, u := range r.Uploaded {
		if u.Attempts > 1 {
			retried++
		}
	}
	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("  Deploy:    %s (%s)\n", r.Deploy.ID, r.Deploy.State)
	fmt.Printf("  Files:     %d (%s)\n", r.Files, humanBytes(r.Bytes))
	fmt.Printf("  Required:  %d digests\n", r.Required)
	fmt.Printf("  Uploaded:  %d (%s), %d retried\n",
		len(r.Uploaded), humanBytes(sent), retried)
	diff := "synchronous"
	if len(events.Of(progress.TypeWaitForDiff)) > 0 {
		diff = "background"
	}
	fmt.Printf("  Diff:      %s\n", diff)
	fmt.Printf("  Events:    %d\n", len(events.Events()))
	fmt.Printf("  Elapsed:   %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Printf("  URL:       %s\n", r.Deploy.DeployURL)
}

func buildSite(pages int) map[string]string {
	files := map[string]string{
		"index.html":        page("home", "welcome"),
		"404.html":          page("not found", "nothing here"),
		"robots.txt":        "User-agent: *\nAllow: /\n",
		"css/site.css":      "body { font-family: sans-serif; }\n",
		"css/print.css":     "@media print { nav { display: none; } }\n",
		"js/app.js":         "console.log('app');\n",
		"js/vendor.js":      strings.Repeat("/* vendored */\n", 4096),
		"img/logo.svg":      "<svg xmlns=\"http://www.w3.org/2000/svg\"/>",
		".well-known/x":     "verification",
		".git/HEAD":         "ref: refs/heads/main\n",
		"node_modules/a.js": "module.exports = 1;\n",
	}
	// Mirrors share content with the originals and deduplicate.
	for i := range pages {
		body := page(fmt.Sprintf("post %d", i), strings.Repeat("lorem ipsum ", 50+i))
		files[fmt.Sprintf("blog/post-%d.html", i)] = body
		if i%10 == 0 {
			files[fmt.Sprintf("mirror/post-%d.html", i)] = body
		}
	}
	return files
}

func page(title, body string) string {
	return fmt.Sprintf(
		"<!doctype html><title>%s</title><main>%s</main>\n",
		title, body,
	)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func humanBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func randHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
