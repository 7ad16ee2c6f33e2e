package walk

import (
	"io"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/paths"
)

// FileDescriptor is a candidate file found by the walker. It is
// immutable once created.
type FileDescriptor struct {
	AbsolutePath   string
	NormalizedPath string
	Size           int64

	fsys billy.Basic
	name string
}

// NewFileDescriptor builds a descriptor for rel inside root. rel is
// relative to the root of fsys. It fails with an Input error when the
// path cannot be addressed by the hosting service.
func NewFileDescriptor(
	fsys billy.Basic,
	root, rel string,
	size int64,
) (*FileDescriptor, error) {
	norm, err := paths.Normalize(rel)
	if err != nil {
		return nil, deployerr.Input(
			"walk", filepath.Join(root, rel), err,
		)
	}
	return &FileDescriptor{
		AbsolutePath:   filepath.Join(root, filepath.FromSlash(norm)),
		NormalizedPath: norm,
		Size:           size,
		fsys:           fsys,
		name:           norm,
	}, nil
}

// Open returns a fresh read stream over the file's contents.
func (f *FileDescriptor) Open() (io.ReadCloser, error) {
	return f.fsys.Open(f.name)
}
