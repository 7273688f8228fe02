// Package diffview renders unified diffs between the live installation and
// a staging area.
package diffview

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/afero"
)

// Kind classifies a rendered line
type Kind int

const (
	Header Kind = iota
	HunkHeader
	Context
	Added
	Removed
	Note
)

// Line is one rendered line of diff output, without the trailing newline
type Line struct {
	Kind Kind
	Text string
}

// DefaultContext is the number of unchanged lines around each change
const DefaultContext = 3

// Renderer produces diffs for a set of paths
type Renderer struct {
	fs      afero.Fs
	context int
	// LivePath maps a content path to the path it is installed at.
	// Defaults to the identity.
	LivePath func(string) string
}

// NewRenderer creates a renderer reading from fs. A negative context
// selects DefaultContext.
func NewRenderer(fs afero.Fs, context int) *Renderer {
	if context < 0 {
		context = DefaultContext
	}
	return &Renderer{fs: fs, context: context}
}

// Render yields the diff of every path, comparing installRoot against
// stagingRoot. Files are read only when iteration reaches them, and the
// sequence can be consumed once.
func (r *Renderer) Render(installRoot, stagingRoot string, paths []string) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for _, p := range paths {
			live := p
			if r.LivePath != nil {
				live = r.LivePath(p)
			}
			for l := range r.file(installRoot, stagingRoot, p, live) {
				if !yield(l) {
					return
				}
			}
		}
	}
}

func (r *Renderer) file(installRoot, stagingRoot, path, live string) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		before, err := r.read(filepath.Join(installRoot, filepath.FromSlash(live)))
		isNew := errors.Is(err, fs.ErrNotExist)
		if err != nil && !isNew {
			yield(Line{Kind: Note, Text: fmt.Sprintf("cannot read %s: %v", live, err)})
			return
		}
		after, err := r.read(filepath.Join(stagingRoot, filepath.FromSlash(path)))
		if err != nil {
			yield(Line{Kind: Note, Text: fmt.Sprintf("cannot read staged %s: %v", path, err)})
			return
		}
		if !isNew && bytes.Equal(before, after) {
			return
		}

		oldName := "a/" + live
		if isNew {
			oldName = "/dev/null"
		}
		if isBinary(before) || isBinary(after) {
			yield(Line{Kind: Note, Text: fmt.Sprintf("Binary files %s and b/%s differ", oldName, live)})
			return
		}

		if !yield(Line{Kind: Header, Text: "--- " + oldName}) ||
			!yield(Line{Kind: Header, Text: "+++ b/" + live}) {
			return
		}

		ops := lineDiff(string(before), string(after))
		for _, h := range buildHunks(ops, r.context) {
			oldStart, oldCount, newStart, newCount := h.lineRange(ops)
			if !yield(Line{Kind: HunkHeader, Text: fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart, oldCount, newStart, newCount)}) {
				return
			}
			for _, op := range ops[h.start:h.end] {
				var l Line
				switch op.kind {
				case diffmatchpatch.DiffEqual:
					l = Line{Kind: Context, Text: " " + op.text}
				case diffmatchpatch.DiffInsert:
					l = Line{Kind: Added, Text: "+" + op.text}
				case diffmatchpatch.DiffDelete:
					l = Line{Kind: Removed, Text: "-" + op.text}
				}
				if !yield(l) {
					return
				}
			}
		}
	}
}

func (r *Renderer) read(path string) ([]byte, error) {
	return afero.ReadFile(r.fs, path)
}

// isBinary uses the same heuristic as git: a NUL byte in the first 8000 bytes
func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}

type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

// lineDiff diffs two texts line by line
func lineDiff(before, after string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		for _, l := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: d.Type, text: l})
		}
	}
	return ops
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

type hunk struct {
	start int
	end   int
}

func buildHunks(ops []lineOp, context int) []hunk {
	var hunks []hunk
	for i, op := range ops {
		if op.kind == diffmatchpatch.DiffEqual {
			continue
		}
		start := max(i-context, 0)
		end := min(i+context+1, len(ops))

		if len(hunks) == 0 || start > hunks[len(hunks)-1].end {
			hunks = append(hunks, hunk{start: start, end: end})
			continue
		}
		if end > hunks[len(hunks)-1].end {
			hunks[len(hunks)-1].end = end
		}
	}
	return hunks
}

func (h hunk) lineRange(ops []lineOp) (oldStart, oldCount, newStart, newCount int) {
	oldLine, newLine := 1, 1
	for _, op := range ops[:h.start] {
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			oldLine++
			newLine++
		case diffmatchpatch.DiffDelete:
			oldLine++
		case diffmatchpatch.DiffInsert:
			newLine++
		}
	}
	oldStart, newStart = oldLine, newLine

	for _, op := range ops[h.start:h.end] {
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			oldCount++
			newCount++
		case diffmatchpatch.DiffDelete:
			oldCount++
		case diffmatchpatch.DiffInsert:
			newCount++
		}
	}

	if oldCount == 0 {
		oldStart--
	}
	if newCount == 0 {
		newStart--
	}
	return oldStart, oldCount, newStart, newCount
}

// Limit passes through at most n lines of seq, followed by a note when
// lines were dropped. n <= 0 disables the limit.
func Limit(seq iter.Seq[Line], n int) iter.Seq[Line] {
	if n <= 0 {
		return seq
	}
	return func(yield func(Line) bool) {
		count := 0
		for l := range seq {
			if count == n {
				yield(Line{Kind: Note, Text: fmt.Sprintf("... diff truncated after %d lines", n)})
				return
			}
			if !yield(l) {
				return
			}
			count++
		}
	}
}

// Fprint writes every line of seq to w
func Fprint(w io.Writer, seq iter.Seq[Line]) error {
	for l := range seq {
		if _, err := fmt.Fprintln(w, l.Text); err != nil {
			return err
		}
	}
	return nil
}
