package avs

import (
	"github.com/pkg/errors"

	"github.com/rclone/avsd/internal/errs"
	"github.com/rclone/avsd/internal/metaindex"
)

// Object is a caller-supplied object to write: the unit put/delete/store
// operate on before it becomes a Record on disk.
type Object struct {
	AddrID uint32
	Key    []byte
	Body   []byte
}

// BackendInfo is the live (and, during compaction, temporary) handle
// pair a container holds onto its AVS file, per spec.md §3.
type BackendInfo struct {
	FilePath    string // stable symlink path
	FilePathRaw string // current raw target

	Write WriteHandle
	Read  ReadHandle

	TmpFilePathRaw string
	TmpWrite       WriteHandle
	TmpRead        ReadHandle
}

// GetResult is the outcome of a successful Get.
type GetResult struct {
	Meta *metaindex.Metadata
	Body []byte
}

// CalcObjSize returns the on-disk footprint a put of obj would occupy.
func CalcObjSize(o *Object) int64 {
	return calcRecordSize(len(o.Key), len(o.Body))
}

// Put appends obj as a live record and updates the index to point at it.
func Put(idx metaindex.MetaIndex, backend *BackendInfo, obj *Object) error {
	rec := encodeRecord(obj.AddrID, false, 0, obj.Key, obj.Body)
	// The offset field inside the header is written as 0; the
	// authoritative pointer is the metadata entry's Offset, set from the
	// real append position below, matching spec.md I3.
	offset, err := backend.Write.Append(rec)
	if err != nil {
		return err
	}
	if err := backend.Write.Sync(); err != nil {
		return err
	}
	key := metaindex.EncodeKey(obj.AddrID, obj.Key)
	m := &metaindex.Metadata{
		AddrID: obj.AddrID,
		Key:    obj.Key,
		Offset: offset,
		Del:    false,
		Size:   int64(len(rec)),
	}
	if err := idx.Put(key, m); err != nil {
		return errors.Wrap(err, "avs: put metadata")
	}
	return nil
}

// Get reads the object for key, returning errs.ErrNotFound if absent or
// tombstoned. start/end slice the body; end < 0 means "to the end".
func Get(idx metaindex.MetaIndex, backend *BackendInfo, addrID uint32, key []byte, start, end int64) (*GetResult, error) {
	k := metaindex.EncodeKey(addrID, key)
	m, err := idx.Get(k)
	if err != nil {
		return nil, err
	}
	if m.Del {
		return nil, errs.ErrNotFound
	}
	rec, _, err := readRecordAt(backend.Read, m.Offset)
	if err != nil {
		return nil, errors.Wrapf(err, "avs: get at offset %d", m.Offset)
	}
	if rec.Header.Del {
		return nil, errs.ErrNotFound
	}
	body := rec.Body
	if start < 0 {
		start = 0
	}
	if end < 0 || end > int64(len(body)) {
		end = int64(len(body))
	}
	if start > end {
		start = end
	}
	return &GetResult{Meta: m, Body: body[start:end]}, nil
}

// Delete appends a tombstone record for obj and marks the index entry
// deleted.
func Delete(idx metaindex.MetaIndex, backend *BackendInfo, obj *Object) error {
	rec := encodeRecord(obj.AddrID, true, 0, obj.Key, nil)
	offset, err := backend.Write.Append(rec)
	if err != nil {
		return err
	}
	if err := backend.Write.Sync(); err != nil {
		return err
	}
	key := metaindex.EncodeKey(obj.AddrID, obj.Key)
	m := &metaindex.Metadata{
		AddrID: obj.AddrID,
		Key:    obj.Key,
		Offset: offset,
		Del:    true,
		Size:   int64(len(rec)),
	}
	if err := idx.Put(key, m); err != nil {
		return errors.Wrap(err, "avs: delete metadata")
	}
	return nil
}

// Head returns the metadata entry for key without touching the AVS file.
func Head(idx metaindex.MetaIndex, addrID uint32, key []byte) (*metaindex.Metadata, error) {
	k := metaindex.EncodeKey(addrID, key)
	return idx.Get(k)
}

// Fetch scans metadata ordered by key starting at keyPrefix.
func Fetch(idx metaindex.MetaIndex, keyPrefix []byte, visitor metaindex.FetchVisitor) ([]*metaindex.Metadata, error) {
	return idx.Fetch(keyPrefix, visitor)
}

// Store writes an already-built metadata entry and raw body as a single
// record, for callers that constructed the metadata themselves (e.g. a
// replicator replaying another container's records) rather than having
// avsd derive it from an Object.
func Store(idx metaindex.MetaIndex, backend *BackendInfo, meta *metaindex.Metadata, body []byte) error {
	rec := encodeRecord(meta.AddrID, meta.Del, 0, meta.Key, body)
	offset, err := backend.Write.Append(rec)
	if err != nil {
		return err
	}
	if err := backend.Write.Sync(); err != nil {
		return err
	}
	key := metaindex.EncodeKey(meta.AddrID, meta.Key)
	stored := &metaindex.Metadata{
		AddrID: meta.AddrID,
		Key:    meta.Key,
		Offset: offset,
		Del:    meta.Del,
		Size:   int64(len(rec)),
	}
	if err := idx.Put(key, stored); err != nil {
		return errors.Wrap(err, "avs: store metadata")
	}
	return nil
}

// CompactRecord is one record read off the live AVS file during a
// compaction scan.
type CompactRecord struct {
	Meta       *metaindex.Metadata
	KeyBin     []byte
	BodyBin    []byte
	NextOffset int64
}

func toCompactRecord(rec *Record, next int64) *CompactRecord {
	m := &metaindex.Metadata{
		AddrID: rec.Header.AddrID,
		Key:    rec.Key,
		Offset: rec.Header.Offset,
		Del:    rec.Header.Del,
		Size:   next - rec.Header.Offset,
	}
	return &CompactRecord{Meta: m, KeyBin: rec.Key, BodyBin: rec.Body, NextOffset: next}
}

// CompactGetFirst reads the first record of the live AVS file, or
// errs.ErrEOF if the file is empty.
func CompactGetFirst(r ReadHandle) (*CompactRecord, error) {
	return CompactGetNext(r, 0)
}

// CompactGetNext reads the record at offset, or errs.ErrEOF if offset is
// at or past the end of the file.
func CompactGetNext(r ReadHandle, offset int64) (*CompactRecord, error) {
	rec, next, err := readRecordAt(r, offset)
	if err != nil {
		return nil, err
	}
	cr := toCompactRecord(rec, next)
	// The header's own offset field is always 0 (see headerSize), so the
	// record's Offset is taken from the read position itself.
	cr.Meta.Offset = offset
	cr.Meta.Size = next - offset
	return cr, nil
}

// CompactPut appends a surviving record into the temporary write handle
// during compaction and returns its new offset and on-disk size.
func CompactPut(w WriteHandle, meta *metaindex.Metadata, keyBin, bodyBin []byte) (offset, size int64, err error) {
	rec := encodeRecord(meta.AddrID, meta.Del, 0, keyBin, bodyBin)
	offset, err = w.Append(rec)
	if err != nil {
		return 0, 0, err
	}
	return offset, int64(len(rec)), nil
}
