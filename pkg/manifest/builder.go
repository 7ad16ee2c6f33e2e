package manifest

import (
	"fmt"
	"sort"

	"github.com/tqbf/deploysync/pkg/deployerr"
)

// Builder aggregates hashed files into a Manifest and ShaIndex. It is
// not safe for concurrent use; the hasher serializes calls to Add.
type Builder struct {
	byPath map[string]*HashedFile
	index  ShaIndex
	bytes  int64
}

func NewBuilder() *Builder {
	return &Builder{
		byPath: make(map[string]*HashedFile),
		index:  make(ShaIndex),
	}
}

func (b *Builder) Add(f *HashedFile) error {
	if prev, ok := b.byPath[f.NormalizedPath]; ok {
		return deployerr.Input("hash", f.AbsolutePath, fmt.Errorf(
			"duplicate deploy path %s (also provided by %s)",
			f.NormalizedPath, prev.AbsolutePath,
		))
	}
	b.byPath[f.NormalizedPath] = f
	b.index[f.Digest] = append(b.index[f.Digest], f)
	b.bytes += f.Size
	return nil
}

func (b *Builder) Len() int     { return len(b.byPath) }
func (b *Builder) Bytes() int64 { return b.bytes }

// Build finalizes the manifest. Files sharing a digest are ordered by
// path so the representative is the same on every run.
func (b *Builder) Build() (Manifest, ShaIndex) {
	m := make(Manifest, len(b.byPath))
	for p, f := range b.byPath {
		m[p] = f.Digest
	}
	for _, files := range b.index {
		sort.Slice(files, func(i, j int) bool {
			return files[i].NormalizedPath < files[j].NormalizedPath
		})
	}
	return m, b.index
}
