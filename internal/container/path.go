package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// objectDirName is the <object_dir> component of spec.md §6's paths.
const objectDirName = "object"

// stablePath returns <root>/<object_dir>/<seq_no>.avs.
func stablePath(root string, seqNo int) string {
	return filepath.Join(root, objectDirName, fmt.Sprintf("%d.avs", seqNo))
}

// resolvePath implements spec.md §4.1's resolve(root, seq_no): it
// ensures the object directory exists, then follows the stable symlink
// to its raw target, minting a fresh raw file and symlink on first boot.
func resolvePath(root string, seqNo int) (rawPath, stable string, err error) {
	dir := filepath.Join(root, objectDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrapf(err, "path: create object dir %q", dir)
	}

	stable = stablePath(root, seqNo)
	target, err := os.Readlink(stable)
	switch {
	case err == nil:
		raw := target
		if !filepath.IsAbs(raw) {
			raw = filepath.Join(dir, raw)
		}
		return raw, stable, nil
	case os.IsNotExist(err):
		raw := mintRaw(stable)
		f, err := os.OpenFile(raw, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return "", "", errors.Wrapf(err, "path: create raw file %q", raw)
		}
		_ = f.Close()
		if err := os.Symlink(filepath.Base(raw), stable); err != nil {
			return "", "", errors.Wrapf(err, "path: symlink %q -> %q", stable, raw)
		}
		return raw, stable, nil
	default:
		return "", "", errors.Wrapf(err, "path: readlink %q", stable)
	}
}

// mintRaw returns stable + "_" + unix_seconds_now() + "_" + a short
// uuid, per spec.md §4.1. The uuid suffix resolves the spec's own
// call-out that one-second granularity alone isn't safe if two workers
// could mint against the same stable path concurrently.
func mintRaw(stable string) string {
	return stable + "_" + strconv.FormatInt(time.Now().Unix(), 10) + "_" + uuid.New().String()[:8]
}

// resolveStable re-reads the stable symlink, returning its current raw
// target. Used by the handle manager's reopen policy and by compaction
// commit/rollback, which must always reopen against the stable path
// rather than a cached raw path that compaction may have just replaced.
func resolveStable(stable string) (string, error) {
	target, err := os.Readlink(stable)
	if err != nil {
		return "", errors.Wrapf(err, "path: readlink %q", stable)
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return filepath.Join(filepath.Dir(stable), target), nil
}

// swapSymlink deletes the stable symlink (best-effort) and recreates it
// pointing at newRaw, per spec.md §4.6 Phase C step 2.
func swapSymlink(stable, newRaw string) error {
	_ = os.Remove(stable)
	return errors.Wrapf(os.Symlink(filepath.Base(newRaw), stable), "path: symlink %q -> %q", stable, newRaw)
}
