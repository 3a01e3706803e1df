//go:build !windows

package container

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tmpRawPattern matches a raw AVS file minted by mintRaw:
// <seq_no>.avs_<unix_seconds>_<8-hex-uuid-prefix>.
var tmpRawPattern = regexp.MustCompile(`^\d+\.avs_\d+_[0-9a-f]{8}$`)

// GCAbandoned removes raw AVS files under <root>/object that are not
// the current stable symlink target for any seq_no and are older than
// grace. This covers the abandoned-temp-file cleanup spec.md §5
// explicitly defers ("cancellation... leaves a temp raw file behind");
// it is offline tooling driven by cmd/avsworkerd gc, never run by a
// container against itself.
func GCAbandoned(root string, grace time.Duration) ([]string, error) {
	dir := filepath.Join(root, objectDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "gc: read dir %q", dir)
	}

	live := map[string]bool{}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		live[filepath.Base(target)] = true
	}

	cutoff := time.Now().Add(-grace)
	var removed []string
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		name := e.Name()
		if !tmpRawPattern.MatchString(name) || live[name] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if fileIsLocked(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrapf(err, "gc: remove %q", path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// fileIsLocked reports whether another process holds an exclusive
// flock on path, mirroring the per-OS lock probe the teacher keeps
// alongside its raw-file handling (backend/local's lock helpers).
// Only flock holders are detected: the container's own handles
// (avs.Open) take no flock, so a file that is merely open, such as a
// running compaction's temp file, is not reported as locked.
func fileIsLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}
