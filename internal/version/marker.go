package version

import (
	"errors"
	"fmt"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// Keys understood by the sync engine. Every other key is carried through
// untouched.
const (
	KeyCommit    = "COMMIT_HASH"
	KeyTimestamp = "TIMESTAMP"
	KeyRelease   = "VERSION"
	KeyRequires  = "REQUIRES"
	KeySyncedAt  = "SYNCED_AT"
)

var (
	// ErrMissingCommit is returned when a marker has no COMMIT_HASH line
	ErrMissingCommit = errors.New("version marker has no " + KeyCommit)
	// ErrMalformedLine is wrapped by ParseError
	ErrMalformedLine = errors.New("malformed version marker line")
	// ErrClientTooOld is returned when REQUIRES rejects the running client
	ErrClientTooOld = errors.New("client version does not satisfy content requirements")
)

// ParseError describes a line without a '=' separator
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("version marker line %d: missing '=': %q", e.Line, e.Text)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedLine
}

type pair struct {
	key, value string
}

// Marker identifies one manifest snapshot
type Marker struct {
	pairs []pair
}

// New creates a marker for commit
func New(commit string) *Marker {
	m := &Marker{}
	m.Set(KeyCommit, commit)
	return m
}

// Parse reads KEY=VALUE lines. Blank lines and '#' comments are skipped.
func Parse(text string) (*Marker, error) {
	m := &Marker{}
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			return nil, &ParseError{Line: i + 1, Text: line}
		}
		m.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if m.Commit() == "" {
		return nil, ErrMissingCommit
	}
	return m, nil
}

// Get returns the value stored under key
func (m *Marker) Get(key string) string {
	for _, p := range m.pairs {
		if p.key == key {
			return p.value
		}
	}
	return ""
}

// Set replaces key or appends it
func (m *Marker) Set(key, value string) {
	for i := range m.pairs {
		if m.pairs[i].key == key {
			m.pairs[i].value = value
			return
		}
	}
	m.pairs = append(m.pairs, pair{key: key, value: value})
}

// Commit returns the opaque revision id
func (m *Marker) Commit() string {
	if m == nil {
		return ""
	}
	return m.Get(KeyCommit)
}

// Timestamp returns the publish time, if the marker carries a valid one
func (m *Marker) Timestamp() (time.Time, bool) {
	v := m.Get(KeyTimestamp)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Release returns the semantic version of the content, or nil
func (m *Marker) Release() *goversion.Version {
	v, err := goversion.NewVersion(m.Get(KeyRelease))
	if err != nil {
		return nil
	}
	return v
}

// String is used in reports: the release when present, else the commit
func (m *Marker) String() string {
	if m == nil {
		return ""
	}
	if r := m.Get(KeyRelease); r != "" {
		return fmt.Sprintf("%s (%s)", r, m.Commit())
	}
	return m.Commit()
}

// Clone returns an independent copy
func (m *Marker) Clone() *Marker {
	out := &Marker{pairs: make([]pair, len(m.pairs))}
	copy(out.pairs, m.pairs)
	return out
}

// Serialize renders the marker as KEY=VALUE lines in insertion order
func (m *Marker) Serialize() string {
	var b strings.Builder
	for _, p := range m.pairs {
		fmt.Fprintf(&b, "%s=%s\n", p.key, p.value)
	}
	return b.String()
}

// CheckClient verifies the running client against the REQUIRES constraint.
// Clients without a semantic version (development builds) always pass.
func (m *Marker) CheckClient(clientVersion string) error {
	req := m.Get(KeyRequires)
	if req == "" {
		return nil
	}
	constraints, err := goversion.NewConstraint(req)
	if err != nil {
		return fmt.Errorf("invalid %s constraint %q: %w", KeyRequires, req, err)
	}
	client, err := goversion.NewVersion(clientVersion)
	if err != nil {
		return nil
	}
	if !constraints.Check(client) {
		return fmt.Errorf("%w: have %s, need %s", ErrClientTooOld, client, req)
	}
	return nil
}
