// Package files decides which paths under the served directory may be
// accessed, and on what terms.
package files

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"agora/internal/apperr"
)

// DisplayRoot stands in for the served directory in user-facing paths.
const DisplayRoot = "www"

// Path is a location at or below the served directory. It carries the real
// filesystem path and a display path that never reveals where the served
// directory lives.
type Path struct {
	full    string
	display string
}

// NewBase returns the Path of the served directory itself.
func NewBase(dir string) (Path, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Path{}, err
	}
	return Path{full: filepath.Clean(abs), display: DisplayRoot}, nil
}

// Full is the absolute filesystem path.
func (p Path) Full() string { return p.full }

// Display is the slash separated path rooted at DisplayRoot.
func (p Path) Display() string { return p.display }

func (p Path) String() string { return p.display }

// Name is the last path component.
func (p Path) Name() string { return filepath.Base(p.full) }

// JoinFilePath joins a raw, still percent-encoded, URI tail. One trailing
// slash is allowed; empty, "." and ".." components and absolute paths are
// rejected. The empty tail is p itself.
func (p Path) JoinFilePath(rawTail string) (Path, error) {
	components, err := splitTail(rawTail)
	if err != nil {
		return Path{}, err
	}
	out := p
	for _, c := range components {
		out = out.join(c)
	}
	return out, nil
}

// Prefixes returns a Path for every prefix of rawTail: the first component,
// the first two, and so on up to the full tail.
func (p Path) Prefixes(rawTail string) ([]Path, error) {
	components, err := splitTail(rawTail)
	if err != nil {
		return nil, err
	}
	out := make([]Path, 0, len(components))
	cur := p
	for _, c := range components {
		cur = cur.join(c)
		out = append(out, cur)
	}
	return out, nil
}

// Join appends a single trusted file name, such as a directory entry.
func (p Path) Join(name string) (Path, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		return Path{}, apperr.Internalf("invalid file name %q joined to `%s`", name, p.display)
	}
	return p.join(name), nil
}

func (p Path) join(name string) Path {
	return Path{
		full:    filepath.Join(p.full, name),
		display: p.display + "/" + name,
	}
}

// splitTail percent-decodes rawTail and splits it into validated components.
func splitTail(rawTail string) ([]string, error) {
	invalid := &apperr.Error{Kind: apperr.InvalidFilePath, Detail: rawTail}

	decoded, err := url.PathUnescape(rawTail)
	if err != nil || !utf8.ValidString(decoded) {
		return nil, invalid
	}
	if decoded == "" {
		return nil, nil
	}
	if strings.HasPrefix(decoded, "/") || filepath.IsAbs(decoded) || strings.ContainsRune(decoded, 0) {
		return nil, invalid
	}
	// A directory is only ever addressed with a literal trailing slash.
	if strings.HasSuffix(decoded, "/") && !strings.HasSuffix(rawTail, "/") {
		return nil, invalid
	}

	decoded = strings.TrimSuffix(decoded, "/")
	components := strings.Split(decoded, "/")
	for _, c := range components {
		if c == "" || c == "." || c == ".." {
			return nil, invalid
		}
	}
	return components, nil
}
