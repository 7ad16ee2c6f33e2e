package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/opencontainers/go-digest"
)

// Algorithm names the content digest used as the dedup key. Both ends
// of a deploy must agree on it.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = Algorithm(digest.SHA256)
	SHA384 Algorithm = Algorithm(digest.SHA384)
	SHA512 Algorithm = Algorithm(digest.SHA512)

	DefaultAlgorithm = SHA256
)

func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return DefaultAlgorithm, nil
	}
	a := Algorithm(s)
	switch a {
	case SHA1, SHA256, SHA384, SHA512:
		return a, nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", s)
}

func (a Algorithm) New() hash.Hash {
	if a == SHA1 {
		return sha1.New()
	}
	return digest.Algorithm(a).Hash()
}

// Sum returns the hex encoding of h's current digest.
func (a Algorithm) Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks that encoded is a well-formed hex digest for a.
func (a Algorithm) Validate(encoded string) error {
	if a == SHA1 {
		b, err := hex.DecodeString(encoded)
		if err != nil || len(b) != sha1.Size || hex.EncodeToString(b) != encoded {
			return fmt.Errorf("invalid sha1 digest %q", encoded)
		}
		return nil
	}
	return digest.NewDigestFromEncoded(
		digest.Algorithm(a), encoded,
	).Validate()
}
