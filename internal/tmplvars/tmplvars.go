// Package tmplvars substitutes {{NAME}} placeholders in template files.
package tmplvars

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Suffix marks a content file as a template
const Suffix = ".tmpl"

// ErrUnknownVar is returned for a placeholder with no value
var ErrUnknownVar = errors.New("unknown template variable")

var (
	placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	validName   = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// Vars maps UPPER_SNAKE names to their values
type Vars map[string]string

// Validate rejects names that are not UPPER_SNAKE
func (v Vars) Validate() error {
	for _, name := range v.Names() {
		if !validName.MatchString(name) {
			return fmt.Errorf("invalid template variable name %q", name)
		}
	}
	return nil
}

// Names returns the variable names in sorted order
func (v Vars) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Substitute replaces every {{NAME}} in text. All unknown names are reported
// together; the text is not partially rendered on error.
func Substitute(text string, vars Vars) (string, error) {
	var missing []string
	seen := make(map[string]bool)

	out := placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		val, ok := vars[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return m
		}
		return val
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownVar, strings.Join(missing, ", "))
	}
	return out, nil
}

// IsTemplate reports whether a content path names a template
func IsTemplate(path string) bool {
	return strings.HasSuffix(path, Suffix) && len(path) > len(Suffix) && !strings.HasSuffix(path, "/"+Suffix)
}

// Target returns the installed path for a content path
func Target(path string) string {
	if IsTemplate(path) {
		return strings.TrimSuffix(path, Suffix)
	}
	return path
}
