// Package cachedir manages the private directory downloads are written to.
package cachedir

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Limits caps what Prune keeps. Zero fields are not enforced.
type Limits struct {
	MaxAge        time.Duration
	MaxFiles      int
	MaxTotalBytes int64
}

type PruneStats struct {
	Removed      int
	RemovedBytes int64
	Kept         int
	KeptBytes    int64
}

// Resolve expands a leading "~" and returns the absolute, cleaned path.
func Resolve(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("empty dir")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("resolve home dir for %s: %w", dir, err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(dir, "~"), "/"))
	}
	return filepath.Abs(dir)
}

// EnsureSecure creates dir if needed and requires it to be a real directory
// owned by the current user with mode 0700, tightening the mode when it can.
func EnsureSecure(dir string) error {
	dir, err := Resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing symlink path: %s", dir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st != nil {
		if uid := uint32(os.Getuid()); st.Uid != uid {
			return fmt.Errorf("cache dir not owned by current user (uid=%d, owner=%d): %s", uid, st.Uid, dir)
		}
	}
	if perm := fi.Mode().Perm(); perm != 0o700 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("cache dir has insecure perms (%#o) and chmod failed: %w", perm, err)
		}
	}
	return nil
}

// EnsureChild creates the secure subdirectory name under parent and returns
// its absolute path.
func EnsureChild(parent, name string) (string, error) {
	parentAbs, err := Resolve(parent)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid cache subdir name %q", name)
	}
	if err := EnsureSecure(parentAbs); err != nil {
		return "", err
	}
	child := filepath.Join(parentAbs, name)
	if err := EnsureSecure(child); err != nil {
		return "", err
	}
	return child, nil
}

type cacheEntry struct {
	path    string
	modTime time.Time
	size    int64
}

// Prune removes regular files older than MaxAge, then the oldest remaining
// files until MaxFiles and MaxTotalBytes hold. Symlinks are never followed
// and empty subdirectories are removed.
func Prune(dir string, limits Limits) (PruneStats, error) {
	var stats PruneStats
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return stats, fmt.Errorf("missing dir")
	}
	if limits.MaxAge <= 0 && limits.MaxFiles <= 0 && limits.MaxTotalBytes <= 0 {
		return stats, nil
	}
	now := time.Now()
	remove := func(path string, size int64) {
		if err := os.Remove(path); err == nil {
			stats.Removed++
			stats.RemovedBytes += size
		}
	}

	var kept []cacheEntry
	var subdirs []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if filepath.Clean(path) != filepath.Clean(dir) {
				subdirs = append(subdirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if limits.MaxAge > 0 && now.Sub(info.ModTime()) > limits.MaxAge {
			remove(path, info.Size())
			return nil
		}
		kept = append(kept, cacheEntry{path: path, modTime: info.ModTime(), size: info.Size()})
		stats.KeptBytes += info.Size()
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return stats, walkErr
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
	for len(kept) > 0 &&
		((limits.MaxFiles > 0 && len(kept) > limits.MaxFiles) ||
			(limits.MaxTotalBytes > 0 && stats.KeptBytes > limits.MaxTotalBytes)) {
		old := kept[0]
		kept = kept[1:]
		stats.KeptBytes -= old.size
		remove(old.path, old.size)
	}
	stats.Kept = len(kept)

	// Deepest first so parents empty out before they are tried.
	sort.Slice(subdirs, func(i, j int) bool { return len(subdirs[i]) > len(subdirs[j]) })
	for _, d := range subdirs {
		_ = os.Remove(d)
	}
	return stats, nil
}
