package gitinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	site := filepath.Join(dir, "public")
	require.NoError(t, os.MkdirAll(site, 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(site, "index.html"), []byte("hi"), 0644,
	))

	w, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, w.AddGlob("."))
	hash, err := w.Commit("Add landing page\n\nLonger body.", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)

	info, err := Describe(site)
	require.NoError(t, err)
	assert.Equal(t, hash.String(), info.Commit)
	assert.Equal(t, head.Name().Short(), info.Branch)
	assert.NotEmpty(t, info.Branch)
	assert.Equal(t, "Add landing page", info.Subject)
}

func TestDescribeNotRepository(t *testing.T) {
	_, err := Describe(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}
