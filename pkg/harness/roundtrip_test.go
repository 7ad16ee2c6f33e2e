package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/deploysync/pkg/deploy"
	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/fakeserver"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/retry"
)

func fastOptions() deploy.Options {
	return deploy.Options{
		Policy: retry.NewPolicy(
			retry.ModeFibonacci, time.Millisecond, 5*time.Millisecond, 5, 0.5,
		),
		PollInterval: 2 * time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

func start(t *testing.T, cfg fakeserver.Config) *Scenario {
	t.Helper()
	s := Start(cfg)
	t.Cleanup(s.Close)
	return s
}

func makeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, MakeTree(dir, files))
}

func TestDeployFlowNormal(t *testing.T) {
	s := start(t, fakeserver.Config{ProcessTicks: 1})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"index.html":      "<h1>home</h1>",
		"blog/index.html": "<h1>blog</h1>",
		"css/site.css":    "body{}",
		"img/logo.svg":    "<svg/>",
	})

	report, err := s.Deploy(context.Background(), fastOptions(), dir)
	require.NoError(t, err)
	assert.Equal(t, deployapi.StateReady, report.Deploy.State)
	assert.Equal(t, 4, report.Files)
	assert.Equal(t, 4, report.Required)
	assert.Len(t, report.Uploaded, 4)

	for _, r := range report.Uploaded {
		_, ok := s.Host.Blob(r.Digest)
		assert.True(t, ok, r.Path)
	}
}

func TestSecondDeployUploadsOnlyChanges(t *testing.T) {
	s := start(t, fakeserver.Config{})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"index.html": "v1",
		"about.html": "about",
	})

	_, err := s.Deploy(context.Background(), fastOptions(), dir)
	require.NoError(t, err)
	first := s.Host.TotalUploadAttempts()
	assert.Equal(t, 2, first)

	report, err := s.Deploy(context.Background(), fastOptions(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Required)
	assert.Empty(t, report.Uploaded)
	assert.Equal(t, first, s.Host.TotalUploadAttempts())

	makeTree(t, dir, map[string]string{"index.html": "v2"})
	report, err = s.Deploy(context.Background(), fastOptions(), dir)
	require.NoError(t, err)
	require.Len(t, report.Uploaded, 1)
	assert.Equal(t, "index.html", report.Uploaded[0].Path)
}

func TestAsyncDiffWithFlakyUploads(t *testing.T) {
	s := start(t, fakeserver.Config{PrepareTicks: 3, ProcessTicks: 2})
	dir := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name+".txt"] = "content " + name
	}
	makeTree(t, dir, files)

	opts := fastOptions()
	opts.SyncLimit = 2
	var sink progress.Collector
	opts.Sink = &sink

	report, err := s.Deploy(context.Background(), opts, dir)
	require.NoError(t, err)
	assert.Len(t, report.Uploaded, 5)
	assert.True(t, s.Host.CreateRequests()[0].Async)
	assert.Len(t, sink.Of(progress.TypeWaitForDiff, progress.PhaseStop), 1)

	makeTree(t, dir, map[string]string{"f.txt": "content f"})
	f := digestOf(t, "content f")
	s.Host.FailUpload(f, 502, 429)
	report, err = s.Deploy(context.Background(), opts, dir)
	require.NoError(t, err)
	require.Len(t, report.Uploaded, 1)
	assert.Equal(t, 3, report.Uploaded[0].Attempts)
	assert.Equal(t, 3, s.Host.UploadAttempts(f))
}

func TestDeployFailsOnTerminalUpload(t *testing.T) {
	s := start(t, fakeserver.Config{})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"index.html": "x"})
	d := digestOf(t, "x")
	s.Host.FailUpload(d, 503, 503, 503, 503, 503)

	_, err := s.Deploy(context.Background(), fastOptions(), dir)
	require.Error(t, err)
	assert.True(t, deployerr.IsKind(err, deployerr.KindUpload))
	assert.Equal(t, 503, deployerr.StatusOf(err))
	assert.Equal(t, 5, s.Host.UploadAttempts(d))
}

func TestDeployTimesOutWaitingForDiff(t *testing.T) {
	s := start(t, fakeserver.Config{PrepareTicks: -1})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"a.txt": "a", "b.txt": "b"})

	opts := fastOptions()
	opts.SyncLimit = 1
	opts.Timeout = 50 * time.Millisecond
	_, err := s.Deploy(context.Background(), opts, dir)
	require.Error(t, err)
	assert.True(t, deployerr.IsKind(err, deployerr.KindTimeout))
}

func TestDeployCanceled(t *testing.T) {
	s := start(t, fakeserver.Config{PrepareTicks: -1})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"a.txt": "a", "b.txt": "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	opts := fastOptions()
	opts.SyncLimit = 1
	opts.Timeout = time.Hour
	_, err := s.Deploy(ctx, opts, dir)
	require.Error(t, err)
	assert.True(t, deployerr.IsKind(err, deployerr.KindTimeout) ||
		deployerr.IsKind(err, deployerr.KindCanceled))
}

func TestProgressReachesWebSocket(t *testing.T) {
	s := start(t, fakeserver.Config{})
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"index.html": "x"})

	sink, err := progress.DialWebSocket(context.Background(), s.Host.EventsURL(), 0)
	require.NoError(t, err)
	opts := fastOptions()
	opts.Sink = sink
	_, err = s.Deploy(context.Background(), opts, dir)
	require.NoError(t, err)
	sink.Close(2 * time.Second)

	require.Eventually(t, func() bool {
		for _, e := range s.Host.Events() {
			if e.Type == progress.TypeWaitForDeploy && e.Phase == progress.PhaseStop {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.Dropped())
}
