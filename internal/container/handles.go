package container

import (
	"github.com/pkg/errors"

	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/errs"
)

// openHandles opens the write+read pair onto rawPath.
func openHandles(rawPath string) (avs.WriteHandle, avs.ReadHandle, error) {
	return avs.Open(rawPath)
}

// closeHandles flushes and closes a handle pair.
func closeHandles(w avs.WriteHandle, r avs.ReadHandle) error {
	return avs.Close(w, r)
}

// reopenIfClosed implements spec.md §4.3's reopen_if_closed: when
// lastResult wraps errs.ErrClosedHandle, it reopens backend.Write/Read
// against the stable path (which always resolves to whatever raw file
// is currently live) and replaces them in backend. Any other error is
// returned unchanged and the existing handles are left intact.
func (c *Container) reopenIfClosed(lastResult error) error {
	if !errs.Is(lastResult, errs.ErrClosedHandle) {
		return lastResult
	}

	c.log.WithError(lastResult).Warn("handle reported closed descriptor, reopening")

	raw, err := resolveStable(c.backend.FilePath)
	if err != nil {
		return errors.Wrap(err, "handles: resolve stable path for reopen")
	}
	_ = closeHandles(c.backend.Write, c.backend.Read)
	w, r, err := openHandles(raw)
	if err != nil {
		return errors.Wrap(err, "handles: reopen after closed descriptor")
	}
	c.backend.Write = w
	c.backend.Read = r
	c.backend.FilePathRaw = raw
	return lastResult
}
