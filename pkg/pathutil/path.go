package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPath is returned for an empty relative path.
	ErrEmptyPath = errors.New("path is empty")

	// ErrPathEscape is returned when a path resolves outside its root.
	ErrPathEscape = errors.New("path escapes work directory")
)

// CheckRelative performs the lexical half of the sandbox check: the path must
// be non-empty, relative, free of ".." segments and NUL bytes.
func CheckRelative(rel string) error {
	if rel == "" {
		return ErrEmptyPath
	}
	if strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return ErrPathEscape
	}
	if strings.ContainsRune(rel, 0) {
		return ErrPathEscape
	}
	return nil
}

// Canonical returns the absolute, symlink-free form of root.
func Canonical(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("absolute root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return real, nil
}

// maxLinkHops bounds symlink expansion, matching the kernel's ELOOP limit.
const maxLinkHops = 40

// Resolve joins rel onto the canonical root, follows every symlink on the
// way (including dangling ones) and verifies the result is still inside
// root. root must already be canonical (see Canonical).
func Resolve(root, rel string) (string, error) {
	if err := CheckRelative(rel); err != nil {
		return "", err
	}
	real, err := resolveLinks(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	if !IsWithin(root, real) {
		return "", ErrPathEscape
	}
	return real, nil
}

// IsWithin reports whether path equals base or lies beneath it. Both must be
// clean absolute paths.
func IsWithin(base, path string) bool {
	if path == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// resolveLinks walks the absolute path one component at a time, replacing
// each symlink with its target. The walk stops at the first missing
// component; what follows cannot contain links and is joined lexically, so
// files that do not exist yet are checked against where they would be
// created. A dangling link is followed to where its target would be.
func resolveLinks(path string) (string, error) {
	vol := filepath.VolumeName(path)
	resolved := vol + string(filepath.Separator)
	rest := splitPath(path[len(vol):])
	hops := 0

	for len(rest) > 0 {
		name := rest[0]
		rest = rest[1:]
		switch name {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, name)
		fi, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{next}, rest...)...), nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", next, err)
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("%w: too many levels of symbolic links", ErrPathEscape)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", fmt.Errorf("read link %s: %w", next, err)
		}
		if filepath.IsAbs(target) {
			tvol := filepath.VolumeName(target)
			resolved = tvol + string(filepath.Separator)
			target = target[len(tvol):]
		}
		rest = append(splitPath(target), rest...)
	}
	return resolved, nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}
