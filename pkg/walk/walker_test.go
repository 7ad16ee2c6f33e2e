package walk

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/paths"
)

func makeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func collect(
	t *testing.T, w *Walker, roots ...Root,
) ([]*FileDescriptor, error) {
	t.Helper()
	var out []*FileDescriptor
	for fd, err := range w.Walk(roots...) {
		if err != nil {
			return out, err
		}
		out = append(out, fd)
	}
	return out, nil
}

func normalized(fds []*FileDescriptor) []string {
	var out []string
	for _, fd := range fds {
		out = append(out, fd.NormalizedPath)
	}
	return out
}

func osRoot(t *testing.T, dir string) Root {
	t.Helper()
	r, err := OSRoot(dir)
	require.NoError(t, err)
	return r
}

func TestWalkDefaultFilter(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"index.html":                "<html>",
		"css/site.css":              "body{}",
		"node_modules/react/x.js":   "x",
		".git/HEAD":                 "ref",
		".well-known/security.txt":  "contact",
		"__MACOSX/._index.html":     "junk",
		"blog/.DS_Store":            "junk",
		"blog/2024/post/index.html": "post",
	})

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t, []string{
		".well-known/security.txt",
		"blog/2024/post/index.html",
		"css/site.css",
		"index.html",
	}, normalized(fds))

	for _, fd := range fds {
		assert.Equal(t,
			filepath.Join(dir, filepath.FromSlash(fd.NormalizedPath)),
			fd.AbsolutePath,
		)
	}
}

func TestWalkDoesNotDescendExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"keep/a.txt":          "a",
		"skip/deep/b.txt":     "b",
		"skip/deeper/c/d.txt": "d",
	})

	var mu sync.Mutex
	var asked []string
	filter := func(rel string) bool {
		mu.Lock()
		asked = append(asked, rel)
		mu.Unlock()
		return paths.ExcludeDir("skip")(rel)
	}

	fds, err := collect(t, &Walker{Filter: filter}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep/a.txt"}, normalized(fds))
	assert.Contains(t, asked, "skip")
	assert.NotContains(t, asked, "skip/deep")
	assert.NotContains(t, asked, "skip/deep/b.txt")
}

func TestWalkSizesAndOpen(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"data.bin": "0123456789"})

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, int64(10), fds[0].Size)

	rc, err := fds[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
}

func TestWalkFollowsFileSymlinks(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"real.txt": "hello"})
	require.NoError(t, os.Symlink("real.txt", filepath.Join(dir, "alias.txt")))

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t, []string{"alias.txt", "real.txt"}, normalized(fds))
	assert.Equal(t, int64(5), fds[0].Size)
}

func TestWalkFollowsDirectorySymlinks(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"shared/logo.svg": "<svg/>"})
	require.NoError(t, os.Symlink("shared", filepath.Join(dir, "img")))

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"img/logo.svg", "shared/logo.svg"},
		normalized(fds),
	)
}

func TestWalkSkipsSymlinkCycles(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"a/file.txt":   "a",
		"a/b/deep.txt": "b",
	})
	require.NoError(t, os.Symlink("..", filepath.Join(dir, "a", "b", "up")))
	require.NoError(t, os.Symlink(".", filepath.Join(dir, "a", "self")))

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"a/b/deep.txt", "a/file.txt"},
		normalized(fds),
	)
}

func TestWalkFollowsRelativeLinksOutsideRoot(t *testing.T) {
	base := t.TempDir()
	site := filepath.Join(base, "site")
	makeTree(t, base, map[string]string{
		"site/index.html":    "<html>",
		"shared/outside.txt": "out",
	})
	require.NoError(t, os.Symlink(
		filepath.Join("..", "shared"), filepath.Join(site, "relout"),
	))

	fds, err := collect(t, &Walker{}, osRoot(t, site))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"index.html", "relout/outside.txt"},
		normalized(fds),
	)
}

func TestWalkFollowsAbsoluteLinksOutsideRoot(t *testing.T) {
	base := t.TempDir()
	site := filepath.Join(base, "site")
	makeTree(t, base, map[string]string{
		"site/index.html":    "<html>",
		"shared/outside.txt": "out",
	})
	require.NoError(t, os.Symlink(
		filepath.Join(base, "shared"), filepath.Join(site, "absout"),
	))

	fds, err := collect(t, &Walker{}, osRoot(t, site))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"absout/outside.txt", "index.html"},
		normalized(fds),
	)

	for _, fd := range fds {
		if fd.NormalizedPath != "absout/outside.txt" {
			continue
		}
		f, err := fd.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		assert.Equal(t, "out", string(body))
	}
}

// A link out of the root whose target shares a name with a directory
// inside the root is not a cycle.
func TestWalkLinkOutsideRootSharingName(t *testing.T) {
	base := t.TempDir()
	site := filepath.Join(base, "site")
	makeTree(t, base, map[string]string{
		"site/shared/local.txt": "in",
		"shared/outside.txt":    "out",
	})
	require.NoError(t, os.Symlink(
		filepath.Join("..", "..", "shared"),
		filepath.Join(site, "shared", "ext"),
	))

	fds, err := collect(t, &Walker{}, osRoot(t, site))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"shared/ext/outside.txt", "shared/local.txt"},
		normalized(fds),
	)
}

func TestWalkSkipsCyclesThroughOutsideDirs(t *testing.T) {
	base := t.TempDir()
	site := filepath.Join(base, "site")
	makeTree(t, base, map[string]string{
		"site/index.html":    "<html>",
		"shared/outside.txt": "out",
	})
	require.NoError(t, os.Symlink(
		filepath.Join("..", "shared"), filepath.Join(site, "ext"),
	))
	require.NoError(t, os.Symlink(
		filepath.Join("..", "site"), filepath.Join(base, "shared", "back"),
	))

	fds, err := collect(t, &Walker{}, osRoot(t, site))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"ext/outside.txt", "index.html"},
		normalized(fds),
	)
}

func TestWalkSkipsDanglingSymlinks(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"ok.txt": "ok"})
	require.NoError(t, os.Symlink("missing.txt", filepath.Join(dir, "gone.txt")))

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, normalized(fds))
}

func TestWalkIllegalFilename(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"a.html":          "a",
		"b#fragment.html": "b",
		"c.html":          "c",
	})

	fds, err := collect(t, &Walker{}, osRoot(t, dir))
	require.Error(t, err)
	assert.True(t, deployerr.IsKind(err, deployerr.KindInput))
	assert.Contains(t, err.Error(), "b#fragment.html")
	assert.Equal(t, []string{"a.html"}, normalized(fds))
}

func TestWalkMultipleRoots(t *testing.T) {
	one, two := t.TempDir(), t.TempDir()
	makeTree(t, one, map[string]string{"index.html": "1"})
	makeTree(t, two, map[string]string{"api/data.json": "{}"})

	fds, err := collect(t, &Walker{}, osRoot(t, one), osRoot(t, two))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"index.html", "api/data.json"},
		normalized(fds),
	)
	assert.Equal(t, filepath.Join(two, "api", "data.json"), fds[1].AbsolutePath)
}

func TestWalkStopsEarly(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{
		"a.txt": "a", "b.txt": "b", "c.txt": "c",
	})

	n := 0
	for fd, err := range (&Walker{}).Walk(osRoot(t, dir)) {
		require.NoError(t, err)
		require.NotNil(t, fd)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestOSRootRejectsFiles(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, map[string]string{"f.txt": "x"})

	_, err := OSRoot(filepath.Join(dir, "f.txt"))
	assert.True(t, deployerr.IsKind(err, deployerr.KindInput))

	_, err = OSRoot(filepath.Join(dir, "nope"))
	assert.True(t, deployerr.IsKind(err, deployerr.KindInput))
}
