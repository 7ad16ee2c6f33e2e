// Package walk enumerates the files of one or more deploy roots.
package walk

import (
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/paths"
)

// Root is a directory to deploy. FS is rooted at Dir.
type Root struct {
	Dir string
	FS  billy.Filesystem
}

// OSRoot opens dir on the host filesystem.
func OSRoot(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, deployerr.Input("walk", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Root{}, deployerr.Input("walk", abs, err)
	}
	if !info.IsDir() {
		return Root{}, deployerr.Input(
			"walk", abs, fmt.Errorf("not a directory"),
		)
	}
	return Root{Dir: abs, FS: osfs.New(abs)}, nil
}

type Walker struct {
	// Filter defaults to paths.DefaultFilter.
	Filter paths.Filter
	Logger *slog.Logger
}

// Walk returns a lazy, single-pass sequence of the regular files under
// roots that pass the filter. Excluded directories are never entered.
// Symlinks are followed; a directory link that leads back to one of its
// own ancestors is skipped. The sequence stops after the first error.
func (w *Walker) Walk(roots ...Root) iter.Seq2[*FileDescriptor, error] {
	filter := w.Filter
	if filter == nil {
		filter = paths.DefaultFilter
	}
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}

	return func(yield func(*FileDescriptor, error) bool) {
		for _, root := range roots {
			if !filter(".") {
				continue
			}
			canon, err := filepath.EvalSymlinks(root.Dir)
			if err != nil {
				yield(nil, deployerr.Input("walk", root.Dir, err))
				return
			}
			rw := &rootWalk{
				root:      root,
				filter:    filter,
				log:       log.With("root", root.Dir),
				yield:     yield,
				ancestors: map[string]bool{canon: true},
			}
			if !rw.dir(".", canon) {
				return
			}
		}
	}
}

type rootWalk struct {
	root      Root
	filter    paths.Filter
	log       *slog.Logger
	yield     func(*FileDescriptor, error) bool
	ancestors map[string]bool
}

// dir walks rel, whose symlink-free location on the host is canon.
// Links may lead anywhere on the host, so directory identity is the
// resolved host path, not a path inside the root.
// It reports false once iteration must stop.
func (rw *rootWalk) dir(rel, canon string) bool {
	fsys := rw.root.FS
	infos, err := fsys.ReadDir(rel)
	if err != nil {
		rw.yield(nil, deployerr.Input(
			"walk", filepath.Join(rw.root.Dir, rel), err,
		))
		return false
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name() < infos[j].Name()
	})

	for _, info := range infos {
		childRel := info.Name()
		if rel != "." {
			childRel = path.Join(rel, info.Name())
		}
		if !rw.filter(childRel) {
			rw.log.Debug("excluded", "path", childRel)
			continue
		}
		childCanon := filepath.Join(canon, info.Name())

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := fsys.Stat(childRel)
			if err != nil {
				rw.log.Warn("skipping dangling symlink",
					"path", childRel, "error", err,
				)
				continue
			}
			if target.IsDir() {
				resolved, err := filepath.EvalSymlinks(childCanon)
				if err != nil {
					rw.yield(nil, deployerr.Input(
						"walk", filepath.Join(rw.root.Dir, childRel), err,
					))
					return false
				}
				childCanon = resolved
			}
			info = target
		}

		switch {
		case info.IsDir():
			if rw.ancestors[childCanon] {
				rw.log.Warn("skipping symlink cycle",
					"path", childRel, "target", childCanon,
				)
				continue
			}
			rw.ancestors[childCanon] = true
			ok := rw.dir(childRel, childCanon)
			delete(rw.ancestors, childCanon)
			if !ok {
				return false
			}
		case info.Mode().IsRegular():
			fd, err := NewFileDescriptor(
				fsys, rw.root.Dir, childRel, info.Size(),
			)
			if err != nil {
				rw.yield(nil, err)
				return false
			}
			if !rw.yield(fd, nil) {
				return false
			}
		default:
			rw.log.Debug("skipping irregular file",
				"path", childRel, "mode", info.Mode().String(),
			)
		}
	}
	return true
}
