package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolvePath maps path, absolute or relative to root, onto a cleaned
// absolute path and refuses anything outside root.
func ResolvePath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid workspace root: %w", err)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}

	// Symlinks inside the workspace must not point outside it.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		realRoot, rerr := filepath.EvalSymlinks(absRoot)
		if rerr == nil {
			rel, err := filepath.Rel(realRoot, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
			}
		}
	}
	return target, nil
}
