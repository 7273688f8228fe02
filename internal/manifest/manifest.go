// Package manifest implements the content-addressed file index that drives
// incremental synchronization.
//
// A manifest is a line-oriented text file:
//
//	# comment
//	guidelines/style.md:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//
// Each entry maps a relative, forward-slash path to the hex digest of the
// file's content. Blank lines and lines starting with '#' are ignored.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/schaermu/kitsync/internal/checksum"
)

// ErrMalformedEntry is wrapped by every ParseError
var ErrMalformedEntry = errors.New("malformed manifest entry")

// ParseError describes a line that could not be parsed
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest line %d: %s: %q", e.Line, e.Reason, e.Text)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedEntry
}

// Entry is one file in a manifest
type Entry struct {
	Path string
	Hash checksum.Hash
}

// Manifest is an ordered set of entries, unique by path. It is not modified
// after construction.
type Manifest struct {
	entries []Entry
	index   map[string]int
}

// New builds a manifest from entries, keeping their order
func New(entries ...Entry) (*Manifest, error) {
	m := &Manifest{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if err := m.add(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifest) add(e Entry) error {
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	if e.Hash == "" {
		return fmt.Errorf("empty hash for %s", e.Path)
	}
	if _, dup := m.index[e.Path]; dup {
		return fmt.Errorf("duplicate path %s", e.Path)
	}
	m.index[e.Path] = len(m.entries)
	m.entries = append(m.entries, e)
	return nil
}

// Parse reads manifest text
func Parse(text string) (*Manifest, error) {
	m := &Manifest{index: make(map[string]int)}
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, h, found := strings.Cut(line, ":")
		if !found {
			return nil, &ParseError{Line: i + 1, Text: line, Reason: "missing ':' separator"}
		}

		hash, err := checksum.ParseHash(h)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Text: line, Reason: err.Error()}
		}

		if err := m.add(Entry{Path: strings.TrimSpace(p), Hash: hash}); err != nil {
			return nil, &ParseError{Line: i + 1, Text: line, Reason: err.Error()}
		}
	}
	return m, nil
}

// Serialize renders the manifest as text, one "path:hash" line per entry in
// insertion order. Parse(m.Serialize()) yields an equal manifest.
func (m *Manifest) Serialize() string {
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(e.Path)
		b.WriteByte(':')
		b.WriteString(string(e.Hash))
		b.WriteByte('\n')
	}
	return b.String()
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in order
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Paths returns the entry paths in order
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Path
	}
	return out
}

// Lookup returns the hash recorded for p
func (m *Manifest) Lookup(p string) (checksum.Hash, bool) {
	i, ok := m.index[p]
	if !ok {
		return "", false
	}
	return m.entries[i].Hash, true
}

// Equal reports whether both manifests hold the same entries in the same order
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.entries) != len(other.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// ValidatePath checks that p is a clean relative slash-separated path that
// stays inside the installation root and outside its state directory.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty path")
	case strings.Contains(p, ":"):
		return fmt.Errorf("path %q contains ':'", p)
	case strings.Contains(p, `\`):
		return fmt.Errorf("path %q must use forward slashes", p)
	case path.IsAbs(p):
		return fmt.Errorf("path %q must be relative", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path %q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path %q escapes the root", p)
	case p == StateDirName || strings.HasPrefix(p, StateDirName+"/"):
		return fmt.Errorf("path %q is inside the %s state directory", p, StateDirName)
	}
	return nil
}
