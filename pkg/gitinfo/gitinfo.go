// Package gitinfo reads deploy metadata from the git checkout that
// contains the publish directory.
package gitinfo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ErrNotRepository is returned when no enclosing checkout exists.
var ErrNotRepository = git.ErrRepositoryNotExists

type Info struct {
	// Branch is empty for a detached HEAD.
	Branch string
	Commit string
	// Subject is the first line of the HEAD commit message.
	Subject string
}

// Describe looks for a repository at dir or any parent of it.
func Describe(dir string) (*Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	info := &Info{Commit: ref.Hash().String()}
	if ref.Name().IsBranch() {
		info.Branch = ref.Name().Short()
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", info.Commit[:8], err)
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(commit.Message), "\n")
	info.Subject = strings.TrimSpace(subject)
	return info, nil
}
