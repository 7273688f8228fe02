package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// Hash is a content digest in lowercase hex.
type Hash string

// String returns the hex form of the hash
func (h Hash) String() string {
	return string(h)
}

// Algorithm names a supported digest function
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// Valid reports whether the algorithm is supported
func (a Algorithm) Valid() bool {
	switch a {
	case SHA256, BLAKE2b256:
		return true
	}
	return false
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", a)
	}
}

// ParseHash normalizes s into a Hash. It rejects empty and non-hex input.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty hash")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid hex hash %q: %w", s, err)
	}
	return Hash(s), nil
}

// Verifier computes and checks file digests on a filesystem
type Verifier struct {
	fs  afero.Fs
	alg Algorithm
}

// NewVerifier creates a verifier for the given algorithm. An empty
// algorithm selects SHA256.
func NewVerifier(fs afero.Fs, alg Algorithm) (*Verifier, error) {
	if alg == "" {
		alg = SHA256
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", alg)
	}
	return &Verifier{fs: fs, alg: alg}, nil
}

// Algorithm returns the digest function in use
func (v *Verifier) Algorithm() Algorithm {
	return v.alg
}

// Compute hashes the full contents of the file at path
func (v *Verifier) Compute(path string) (Hash, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	sum, err := v.Sum(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sum, nil
}

// Sum hashes everything read from r
func (v *Verifier) Sum(r io.Reader) (Hash, error) {
	h, err := v.alg.newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), nil
}

// Verify computes the digest of path and compares it with expected.
// A mismatch is reported through ok, not through err; actual is always
// returned when the file could be read.
func (v *Verifier) Verify(path string, expected Hash) (ok bool, actual Hash, err error) {
	actual, err = v.Compute(path)
	if err != nil {
		return false, "", err
	}
	return actual == expected, actual, nil
}

// Bytes hashes an in-memory buffer with SHA256
func Bytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}
