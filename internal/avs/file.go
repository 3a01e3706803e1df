package avs

import (
	"os"

	"github.com/pkg/errors"

	"github.com/rclone/avsd/internal/errs"
)

// osWriteHandle is the append-only handle onto a raw AVS file.
type osWriteHandle struct {
	f *os.File
}

func (w *osWriteHandle) Append(p []byte) (int64, error) {
	fi, err := w.f.Stat()
	if err != nil {
		return 0, wrapClosed(err, "avs: stat write handle")
	}
	offset := fi.Size()
	if _, err := w.f.Write(p); err != nil {
		return 0, wrapClosed(err, "avs: append")
	}
	return offset, nil
}

func (w *osWriteHandle) Size() (int64, error) {
	fi, err := w.f.Stat()
	if err != nil {
		return 0, wrapClosed(err, "avs: stat write handle")
	}
	return fi.Size(), nil
}

func (w *osWriteHandle) Sync() error {
	return wrapClosed(w.f.Sync(), "avs: sync")
}

func (w *osWriteHandle) Close() error {
	return w.f.Close()
}

// osReadHandle is the random-access handle onto a raw AVS file.
type osReadHandle struct {
	f *os.File
}

func (r *osReadHandle) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.f.ReadAt(p, off)
	if err != nil && !isEOF(err) {
		return n, wrapClosed(err, "avs: read")
	}
	return n, err
}

func (r *osReadHandle) Close() error {
	return r.f.Close()
}

// wrapClosed maps errors indicating the underlying descriptor is no
// longer usable onto errs.ErrClosedHandle, the sentinel the handle
// manager's reopen_if_closed policy watches for, while leaving every
// other error wrapped with context but otherwise unchanged.
func wrapClosed(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) {
		return errors.Wrap(errs.ErrClosedHandle, msg)
	}
	if pe, ok := err.(*os.PathError); ok && errors.Is(pe.Err, os.ErrClosed) {
		return errors.Wrap(errs.ErrClosedHandle, msg)
	}
	return errors.Wrap(err, msg)
}

// Open opens the write (append-only) and read (random-access) handles
// onto the raw AVS file at rawPath, creating it if it does not exist.
func Open(rawPath string) (WriteHandle, ReadHandle, error) {
	wf, err := os.OpenFile(rawPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "avs: open write handle %q", rawPath)
	}
	rf, err := os.OpenFile(rawPath, os.O_RDONLY, 0o644)
	if err != nil {
		_ = wf.Close()
		return nil, nil, errors.Wrapf(err, "avs: open read handle %q", rawPath)
	}
	return &osWriteHandle{f: wf}, &osReadHandle{f: rf}, nil
}

// Close flushes and closes both halves of a handle pair. Both handles
// are closed even if one close fails; the first error is returned.
func Close(w WriteHandle, r ReadHandle) error {
	var firstErr error
	if w != nil {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r != nil {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
