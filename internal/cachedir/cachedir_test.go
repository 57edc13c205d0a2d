package cachedir

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	ts := time.Now().Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestResolveExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := Resolve("~/.cache/musedown")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := filepath.Join(home, ".cache", "musedown"); got != want {
		t.Fatalf("Resolve() = %q, want %q", got, want)
	}
	if _, err := Resolve("  "); err == nil {
		t.Fatalf("Resolve(blank) error = nil, want error")
	}
}

func TestEnsureSecureFixesPerms(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := filepath.Join(t.TempDir(), "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := EnsureSecure(dir); err != nil {
		t.Fatalf("EnsureSecure() error = %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Mode().Perm() != 0o700 {
		t.Fatalf("perm = %#o, want 0700", fi.Mode().Perm())
	}
}

func TestEnsureSecureRejectsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	root := t.TempDir()
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if err := EnsureSecure(link); err == nil {
		t.Fatalf("EnsureSecure(symlink) error = nil, want error")
	}
}

func TestEnsureChild(t *testing.T) {
	root := t.TempDir()
	child, err := EnsureChild(root, "downloads")
	if err != nil {
		t.Fatalf("EnsureChild() error = %v", err)
	}
	if child != filepath.Join(root, "downloads") || !exists(child) {
		t.Fatalf("EnsureChild() = %q", child)
	}
	for _, bad := range []string{"", "..", "a/b"} {
		if _, err := EnsureChild(root, bad); err == nil {
			t.Fatalf("EnsureChild(%q) error = nil, want error", bad)
		}
	}
}

func TestPruneByAge(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.m4a")
	fresh := filepath.Join(dir, "fresh.m4a")
	writeFile(t, old, 10, 48*time.Hour)
	writeFile(t, fresh, 10, time.Minute)

	stats, err := Prune(dir, Limits{MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if exists(old) || !exists(fresh) {
		t.Fatalf("old exists = %v, fresh exists = %v", exists(old), exists(fresh))
	}
	if stats.Removed != 1 || stats.Kept != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPruneByCountAndBytes(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.m4a")
	b := filepath.Join(dir, "nested", "b.m4a")
	c := filepath.Join(dir, "c.m4a")
	writeFile(t, a, 100, 3*time.Hour)
	writeFile(t, b, 100, 2*time.Hour)
	writeFile(t, c, 100, time.Hour)

	if _, err := Prune(dir, Limits{MaxFiles: 2}); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if exists(a) || !exists(b) || !exists(c) {
		t.Fatalf("max files kept the wrong files")
	}

	stats, err := Prune(dir, Limits{MaxTotalBytes: 150})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if exists(b) || !exists(c) {
		t.Fatalf("max bytes kept the wrong files")
	}
	if exists(filepath.Join(dir, "nested")) {
		t.Fatalf("empty subdir not removed")
	}
	if stats.KeptBytes != 100 {
		t.Fatalf("kept bytes = %d, want 100", stats.KeptBytes)
	}
}

func TestPruneWithoutLimitsIsNoop(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "keep.m4a")
	writeFile(t, f, 1, 1000*time.Hour)
	if _, err := Prune(dir, Limits{}); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if !exists(f) {
		t.Fatalf("file removed without limits")
	}
}
