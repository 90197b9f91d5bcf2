package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"agora/internal/apperr"
	"agora/internal/lightning"
)

// IndexFileName is rendered below the listing of the directory holding it.
const IndexFileName = ".index.md"

// EntryKind classifies a directory entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindOther
)

// DirEntry is one visible child of a listed directory.
type DirEntry struct {
	Name string
	Kind EntryKind
	Size int64 // files only
	Paid bool
}

// VFS is the only way request handling touches the served directory.
// Nothing is cached: every call sees the current filesystem and config.
type VFS struct {
	base     Path
	realBase string
}

// NewVFS serves dir, which must be an existing directory.
func NewVFS(dir string) (*VFS, error) {
	base, err := NewBase(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}
	info, err := os.Stat(base.full)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	realBase, err := filepath.EvalSymlinks(base.full)
	if err != nil {
		return nil, err
	}
	return &VFS{base: base, realBase: realBase}, nil
}

// Base returns the served directory.
func (v *VFS) Base() Path {
	return v.base
}

// Check reports whether p itself may be accessed. Callers that reach p
// through intermediate directories must check those too; FileType does.
func (v *VFS) Check(p Path) error {
	if p.full == v.base.full {
		return nil
	}

	info, err := os.Lstat(p.full)
	if err != nil {
		return apperr.IO(p.display, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if err := v.checkSymlink(p); err != nil {
			return err
		}
	}

	if strings.HasPrefix(p.Name(), ".") {
		return apperr.New(apperr.HiddenFileAccess, p.display)
	}
	return nil
}

// checkSymlink requires both the link's own target and the end of the whole
// link chain to stay inside the served directory. Link cycles fail as I/O
// errors.
func (v *VFS) checkSymlink(p Path) error {
	target, err := os.Readlink(p.full)
	if err != nil {
		return apperr.IO(p.display, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(p.full), target)
	}
	target = filepath.Clean(target)
	if !within(v.base.full, target) && !within(v.realBase, target) {
		return apperr.New(apperr.SymlinkAccess, p.display)
	}

	resolved, err := filepath.EvalSymlinks(p.full)
	if err != nil {
		return apperr.IO(p.display, err)
	}
	if !within(v.realBase, resolved) {
		return apperr.New(apperr.SymlinkAccess, p.display)
	}
	return nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// FileType resolves rawTail, checks every prefix of it and stats the target,
// following symlinks.
func (v *VFS) FileType(rawTail string) (Path, fs.FileMode, error) {
	prefixes, err := v.base.Prefixes(rawTail)
	if err != nil {
		return Path{}, 0, err
	}
	for _, prefix := range prefixes {
		if err := v.Check(prefix); err != nil {
			return Path{}, 0, err
		}
	}

	target := v.base
	if len(prefixes) > 0 {
		target = prefixes[len(prefixes)-1]
	}
	info, err := os.Stat(target.full)
	if err != nil {
		return Path{}, 0, apperr.IO(target.display, err)
	}
	return target, info.Mode(), nil
}

// ReadDir lists the accessible children of dir sorted by name. Children that
// fail Check are left out.
func (v *VFS) ReadDir(dir Path) ([]DirEntry, error) {
	children, err := os.ReadDir(dir.full)
	if err != nil {
		return nil, apperr.IO(dir.display, err)
	}

	access, err := ResolveAccess(v.base, dir)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(children))
	for _, child := range children {
		p, err := dir.Join(child.Name())
		if err != nil {
			return nil, err
		}
		if v.Check(p) != nil {
			continue
		}

		info, err := os.Stat(p.full)
		if err != nil {
			return nil, apperr.IO(p.display, err)
		}

		entry := DirEntry{Name: child.Name(), Paid: access.Paid}
		switch {
		case info.IsDir():
			entry.Kind = KindDir
		case info.Mode().IsRegular():
			entry.Kind = KindFile
			entry.Size = info.Size()
		default:
			entry.Kind = KindOther
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b DirEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries, nil
}

// Access checks p and resolves the policy of the directory containing it.
func (v *VFS) Access(p Path) (Access, error) {
	if err := v.Check(p); err != nil {
		return Access{}, err
	}
	parent := v.base
	if p.full != v.base.full {
		parent = Path{full: filepath.Dir(p.full), display: p.display[:strings.LastIndex(p.display, "/")]}
	}
	return ResolveAccess(v.base, parent)
}

// Paid reports whether p requires payment. It does not require a price to
// be configured; BasePrice does.
func (v *VFS) Paid(p Path) (bool, error) {
	access, err := v.Access(p)
	if err != nil {
		return false, err
	}
	return access.Paid, nil
}

// BasePrice returns the price of a paid file. A paid file without a
// resolvable price is a configuration error.
func (v *VFS) BasePrice(p Path) (lightning.Millisatoshi, error) {
	access, err := v.Access(p)
	if err != nil {
		return 0, err
	}
	if access.BasePrice == nil {
		return 0, apperr.New(apperr.ConfigMissingBasePrice, p.display)
	}
	return *access.BasePrice, nil
}

// Open opens a checked file for streaming.
func (v *VFS) Open(p Path) (*os.File, error) {
	if err := v.Check(p); err != nil {
		return nil, err
	}
	f, err := os.Open(p.full)
	if err != nil {
		return nil, apperr.IO(p.display, err)
	}
	return f, nil
}

// IndexMarkdown returns the contents of dir's index file, or false if there
// is none.
func (v *VFS) IndexMarkdown(dir Path) ([]byte, bool, error) {
	p := dir.join(IndexFileName)

	info, err := os.Lstat(p.full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.IO(p.display, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if err := v.checkSymlink(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}

	data, err := os.ReadFile(p.full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.IO(p.display, err)
	}
	return data, true, nil
}
