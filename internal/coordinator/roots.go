package coordinator

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// Manifest is the optional sync file next to the core root.
//
//	roots:
//	  - ../shared-lib
//	ignore:
//	  - "*.log"
type Manifest struct {
	Roots  []string `yaml:"roots"`
	Ignore []string `yaml:"ignore"`
}

// LoadManifest reads the manifest at path. A missing file yields an empty
// manifest.
func LoadManifest(fs afero.Fs, path string) (Manifest, error) {
	var m Manifest
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return m, errors.Wrapf(err, "read sync manifest %s", path)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, errors.NewConfigurationError("invalid sync manifest", err).WithPath(path)
	}
	return m, nil
}

// DiscoverSourceRoots returns the roots remote workers need, in order: the
// core root, the configured extra roots, then the roots of the sync
// manifest. The result is empty when every target is in-process. Every
// root must exist; duplicates are dropped by canonical path.
func (c *Coordinator) DiscoverSourceRoots() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roots != nil {
		return c.roots, nil
	}
	if !spec.NeedsSync(c.specs) {
		c.roots = []string{}
		c.ignore = append([]string(nil), c.cfg.RsyncIgnore...)
		return c.roots, nil
	}

	rootDir := c.cfg.RootDir
	candidates := []string{rootDir}
	for _, dir := range c.cfg.RsyncDirs {
		candidates = append(candidates, resolveAgainst(rootDir, dir))
	}

	ignore := append([]string(nil), c.cfg.RsyncIgnore...)
	if c.cfg.SyncFile != "" {
		m, err := LoadManifest(c.fs, c.cfg.SyncFile)
		if err != nil {
			return nil, err
		}
		base := filepath.Dir(c.cfg.SyncFile)
		for _, r := range m.Roots {
			candidates = append(candidates, resolveAgainst(base, r))
		}
		ignore = append(ignore, m.Ignore...)
	}

	seen := make(map[string]bool, len(candidates))
	roots := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		root, err := c.canonical(candidate)
		if err != nil {
			return nil, err
		}
		if seen[root] {
			continue
		}
		seen[root] = true
		roots = append(roots, root)
	}

	c.logger.Info("source roots discovered", "roots", roots, "ignore", ignore)
	c.roots = roots
	c.ignore = ignore
	return roots, nil
}

// IgnorePatterns returns the user ignore patterns in effect for transfers,
// including those of the sync manifest. Valid after DiscoverSourceRoots.
func (c *Coordinator) IgnorePatterns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ignore...)
}

// canonical returns the absolute, symlink-free form of an existing path.
func (c *Coordinator) canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewConfigurationError("cannot resolve source root", err).WithPath(path)
	}
	if _, err := c.fs.Stat(abs); err != nil {
		return "", errors.NewConfigurationError("rsync root does not exist", errors.ErrRootNotFound).WithPath(abs)
	}
	if _, onDisk := c.fs.(*afero.OsFs); onDisk {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
	}
	return abs, nil
}

func resolveAgainst(base, path string) string {
	if expanded, err := homedir.Expand(path); err == nil {
		path = expanded
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
