package manifest

import (
	"fmt"
	"sort"

	"github.com/tqbf/deploysync/pkg/walk"
)

// AssetKind is the closed set of asset kinds a deploy can carry.
type AssetKind int

const (
	AssetFile AssetKind = iota + 1
)

func (k AssetKind) String() string {
	switch k {
	case AssetFile:
		return "file"
	}
	return fmt.Sprintf("AssetKind(%d)", int(k))
}

func ParseAssetKind(s string) (AssetKind, error) {
	switch s {
	case "file":
		return AssetFile, nil
	}
	return 0, fmt.Errorf("unsupported asset kind %q", s)
}

type HashedFile struct {
	*walk.FileDescriptor
	Digest string
	Kind   AssetKind
}

func NewHashedFile(
	fd *walk.FileDescriptor,
	digest string,
	kind AssetKind,
) (*HashedFile, error) {
	switch kind {
	case AssetFile:
	default:
		return nil, fmt.Errorf(
			"%s: unsupported asset kind %s",
			fd.NormalizedPath, kind,
		)
	}
	return &HashedFile{
		FileDescriptor: fd,
		Digest:         digest,
		Kind:           kind,
	}, nil
}

// Manifest maps normalized deploy path to content digest.
type Manifest map[string]string

func (m Manifest) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Digests returns the distinct digests in m, sorted.
func (m Manifest) Digests() []string {
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, d := range m {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ShaIndex maps a digest to every file carrying it, ordered by path.
type ShaIndex map[string][]*HashedFile

// Representative is the file whose bytes are sent for digest.
func (idx ShaIndex) Representative(digest string) (*HashedFile, bool) {
	files := idx[digest]
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}
