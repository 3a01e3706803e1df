package container

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/errs"
	"github.com/rclone/avsd/internal/metaindex"
)

// spaceFactor is the 1.5x safety margin spec.md §4.6 Phase A requires
// over the combined size of the live AVS file and the metadata index
// before a compaction is allowed to start.
const spaceFactor = 1.5

// progressEvery logs a compaction progress line every N scanned records
// (copied or dropped),
// a SPEC_FULL.md supplement so a long-running compaction is observable.
const progressEvery = 10000

// CompactLimiter optionally paces the compactor's copy loop in bytes
// per second, via golang.org/x/time/rate, so an online compaction
// doesn't starve concurrent disk users. Nil means unlimited.
type CompactLimiter = *rate.Limiter

// Compact runs the three-phase copy-swap compaction described in
// spec.md §4.6. It has no deadline (the dispatcher bypasses the default
// 30s timeout for this call) and is non-reentrant: a compact call while
// one is already running returns errs.ErrCompactionInProgress without
// touching any state.
func (c *Container) Compact(hasCharge metaindex.HasCharge, limiter CompactLimiter) error {
	_, err := c.disp.submitNoDeadline(func() (interface{}, error) {
		return nil, c.doCompact(hasCharge, limiter)
	})
	return err
}

func (c *Container) doCompact(hasCharge metaindex.HasCharge, limiter CompactLimiter) error {
	c.mu.Lock()
	if c.compacting {
		c.mu.Unlock()
		return errs.ErrCompactionInProgress
	}
	c.compacting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	c.setState(StateCompacting)
	defer c.setState(StateReady)

	start := time.Now().Unix()

	tmpRaw, tmpW, tmpR, err := c.compactPrepare()
	if err != nil {
		return err
	}
	c.stats.pushHistory(start)

	numActive, sizeActive, err := c.compactScanAndCopy(tmpW, hasCharge, limiter)
	if err != nil {
		return c.compactRollback(err)
	}

	if err := c.compactCommit(tmpRaw, tmpW, tmpR, numActive, sizeActive); err != nil {
		return c.compactRollback(err)
	}
	c.stats.closeHistory(time.Now().Unix())
	c.log.WithFields(map[string]interface{}{
		"active_num":   numActive,
		"active_sizes": sizeActive,
	}).Info("compaction committed")
	return nil
}

// compactPrepare is Phase A: disk-space precheck, mint a temp raw file,
// open a temporary handle pair onto it.
func (c *Container) compactPrepare() (tmpRaw string, tmpW avs.WriteHandle, tmpR avs.ReadHandle, err error) {
	remain, err := c.compactRemainingSpace()
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "compact: disk space precheck")
	}
	if remain <= 0 {
		return "", nil, nil, errs.ErrSystemLimit
	}

	tmpRaw = mintRaw(c.backend.FilePath)
	tmpW, tmpR, err = openHandles(tmpRaw)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "compact: open temp handles")
	}
	c.backend.TmpFilePathRaw = tmpRaw
	c.backend.TmpWrite = tmpW
	c.backend.TmpRead = tmpR
	return tmpRaw, tmpW, tmpR, nil
}

// compactRemainingSpace implements spec.md §4.6 step A.1:
// disk_free(mount_of(stable)) - 1.5*(size(stable)+size(meta_db_dir)).
func (c *Container) compactRemainingSpace() (int64, error) {
	mountDir := filepath.Dir(c.backend.FilePath)
	usage, err := disk.Usage(mountDir)
	if err != nil {
		return 0, errors.Wrapf(err, "compact: disk usage for %q", mountDir)
	}

	var avsSize int64
	if fi, err := os.Stat(c.backend.FilePath); err == nil {
		avsSize = fi.Size()
	}

	var metaSize int64
	if metaPath, err := c.idx.RawFilePath(); err == nil {
		if fi, err := os.Stat(metaPath); err == nil {
			metaSize = fi.Size()
		}
	}

	need := int64(float64(avsSize+metaSize) * spaceFactor)
	return int64(usage.Free) - need, nil
}

// compactScanAndCopy is Phase B: scan the live read handle, dropping
// tombstones and orphans, copying everything else into tmpW and
// re-pointing the metadata index's staged entries at the new offsets.
func (c *Container) compactScanAndCopy(tmpW avs.WriteHandle, hasCharge metaindex.HasCharge, limiter CompactLimiter) (numActive, sizeActive int64, err error) {
	if err := c.idx.CompactStart(); err != nil {
		return 0, 0, errors.Wrap(err, "compact: compact_start")
	}

	rec, err := avs.CompactGetFirst(c.backend.Read)
	copied := 0
	for {
		if errs.Is(err, errs.ErrEOF) {
			return numActive, sizeActive, nil
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "compact: scan")
		}

		if limiter != nil {
			_ = limiter.WaitN(context.Background(), int(rec.NextOffset-rec.Meta.Offset))
		}

		drop := c.isDeleted(rec.Meta) || !hasCharge.Has(rec.KeyBin)
		if !drop {
			newOffset, size, perr := avs.CompactPut(tmpW, rec.Meta, rec.KeyBin, rec.BodyBin)
			if perr != nil {
				return 0, 0, errors.Wrap(perr, "compact: compact_put record")
			}
			rec.Meta.Offset = newOffset
			rec.Meta.Size = size
			key := metaindex.EncodeKey(rec.Meta.AddrID, rec.Meta.Key)
			if perr := c.idx.CompactPut(key, rec.Meta); perr != nil {
				return 0, 0, errors.Wrap(perr, "compact: compact_put metadata")
			}
			numActive++
			sizeActive += size
		}

		copied++
		if copied%progressEvery == 0 {
			c.log.WithField("records_scanned", copied).Info("compaction in progress")
		}

		next := rec.NextOffset
		rec, err = avs.CompactGetNext(c.backend.Read, next)
	}
}

// isDeleted implements spec.md §4.6's is_deleted predicate: a record is
// dropped if it is itself a tombstone, or the authoritative index entry
// for the same key is missing, tombstoned, or points at a different
// (superseding) offset.
func (c *Container) isDeleted(m *metaindex.Metadata) bool {
	if m.Del {
		return true
	}
	key := metaindex.EncodeKey(m.AddrID, m.Key)
	authoritative, err := c.idx.Get(key)
	if err != nil {
		return true
	}
	if authoritative.Del {
		return true
	}
	return authoritative.Offset != m.Offset
}

// compactCommit is Phase C's success path.
func (c *Container) compactCommit(tmpRaw string, tmpW avs.WriteHandle, tmpR avs.ReadHandle, numActive, sizeActive int64) error {
	if err := closeHandles(c.backend.Write, c.backend.Read); err != nil {
		return errors.Wrap(err, "compact: close old handles")
	}
	if err := closeHandles(tmpW, tmpR); err != nil {
		return errors.Wrap(err, "compact: close temp handles")
	}

	if err := swapSymlink(c.backend.FilePath, tmpRaw); err != nil {
		return errors.Wrap(err, "compact: swap symlink")
	}
	oldRaw := c.backend.FilePathRaw
	_ = os.Remove(oldRaw)

	w, r, err := openHandles(c.backend.FilePath)
	if err != nil {
		return errors.Wrap(err, "compact: reopen after swap")
	}
	c.backend.Write = w
	c.backend.Read = r
	c.backend.FilePathRaw = tmpRaw
	c.backend.TmpFilePathRaw = ""
	c.backend.TmpWrite = nil
	c.backend.TmpRead = nil

	if err := c.idx.CompactEnd(true); err != nil {
		return errors.Wrap(err, "compact: compact_end(true)")
	}

	c.stats.TotalNum = numActive
	c.stats.ActiveNum = numActive
	c.stats.TotalSizes = sizeActive
	c.stats.ActiveSizes = sizeActive
	return nil
}

// compactRollback is Phase C's failure path: it marks HasError sticky,
// discards the temp raw file, attempts to keep the container serviceable
// by reopening against the stable path, and discards the compactor's
// staged metadata.
func (c *Container) compactRollback(cause error) error {
	c.stats.HasError = true
	c.stats.closeHistory(time.Now().Unix())

	if c.backend.TmpFilePathRaw != "" {
		_ = closeHandles(c.backend.TmpWrite, c.backend.TmpRead)
		_ = os.Remove(c.backend.TmpFilePathRaw)
		c.backend.TmpFilePathRaw = ""
		c.backend.TmpWrite = nil
		c.backend.TmpRead = nil
	}

	if raw, err := resolveStable(c.backend.FilePath); err == nil {
		_ = closeHandles(c.backend.Write, c.backend.Read)
		if w, r, err := openHandles(raw); err == nil {
			c.backend.Write = w
			c.backend.Read = r
			c.backend.FilePathRaw = raw
		}
	}

	_ = c.idx.CompactEnd(false)

	c.log.WithError(cause).Error("compaction rolled back")
	return cause
}
