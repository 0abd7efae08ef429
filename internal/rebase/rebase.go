// Package rebase rewrites local argument paths so they are meaningful on a
// worker whose source roots were transferred under their base names.
package rebase

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/distrun/internal/errors"
)

// Separator splits a path from its node selector, as in "tests/a.py::test_x".
const Separator = "::"

// Rebase rewrites every argument whose path part exists on disk to
// "<base(root)>/<rel>", where root is the first of roots containing it.
// Arguments naming paths that do not exist are passed through unchanged.
// An existing path that lies under none of the roots is a configuration
// error, since the worker would never see it.
func Rebase(roots []string, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		rebased, err := rebaseArg(roots, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, rebased)
	}
	return out, nil
}

func rebaseArg(roots []string, arg string) (string, error) {
	path, suffix, hasSuffix := strings.Cut(arg, Separator)
	if path == "" {
		return arg, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return arg, nil
	}
	if _, err := os.Stat(abs); err != nil {
		return arg, nil
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	for _, root := range roots {
		rel, ok := within(root, abs)
		if !ok {
			continue
		}
		rewritten := filepath.ToSlash(filepath.Join(filepath.Base(root), rel))
		if hasSuffix {
			rewritten += Separator + suffix
		}
		return rewritten, nil
	}

	return "", errors.NewConfigurationError(
		"argument path is outside every source root", errors.ErrUnrelatedPath).WithPath(path)
}

// within reports whether path is root or lies below it, and returns the
// relative remainder.
func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
