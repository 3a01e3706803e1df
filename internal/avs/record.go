// Package avs implements the haystack-style record codec: the on-disk
// framing of object records inside an AVS file, and the put/get/delete/
// head/fetch/store/compact-scan operations that combine that framing
// with a metaindex.MetaIndex. This is the concrete implementation of the
// "codec" external collaborator named in spec.md §6.
package avs

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"

	"github.com/rclone/avsd/internal/errs"
)

// headerMagic tags the start of every record so a scan that lands on
// garbage (e.g. after a torn write) fails fast instead of misreading
// an arbitrary byte string as a length.
const headerMagic = uint32(0xA55A0001)

// headerSize is the fixed, on-disk size of a record header in bytes.
// Layout (all big-endian):
//
//	magic    uint32
//	flags    uint8   (bit0: del)
//	addrID   uint32
//	keyLen   uint16
//	bodyLen  uint32
//	offset   int64   (written as 0 by every writer in this package; a
//	                  record's offset is its read position, and the
//	                  metadata entry's Offset is the authoritative pointer)
//	crc32    uint32  (over key || body)
//	reserved [5]byte
const headerSize = 4 + 1 + 4 + 2 + 4 + 8 + 4 + 5

// alignment is the padding boundary every record is rounded up to.
const alignment = 8

const flagDel = uint8(1)

// Header is the decoded fixed-size record header.
type Header struct {
	AddrID  uint32
	KeyLen  uint16
	BodyLen uint32
	Offset  int64
	Del     bool
	CRC32   uint32
}

// Record is a fully decoded on-disk record.
type Record struct {
	Header Header
	Key    []byte
	Body   []byte
}

func paddingFor(n int) int {
	rem := n % alignment
	if rem == 0 {
		return 0
	}
	return alignment - rem
}

// calcRecordSize returns the total on-disk footprint (header + key + body
// + padding) a record with the given key/body lengths occupies. This
// backs CalcObjSize and CalcRecordSize.
func calcRecordSize(keyLen, bodyLen int) int64 {
	total := headerSize + keyLen + bodyLen
	return int64(total + paddingFor(total))
}

// CalcRecordSize is the exported form of calcRecordSize, used by
// container.Store's accounting where no Object wraps the key/body pair.
func CalcRecordSize(keyLen, bodyLen int) int64 {
	return calcRecordSize(keyLen, bodyLen)
}

// encodeRecord serializes a full record, including its trailing padding.
func encodeRecord(addrID uint32, del bool, offset int64, key, body []byte) []byte {
	total := headerSize + len(key) + len(body)
	pad := paddingFor(total)
	buf := make([]byte, total+pad)

	binary.BigEndian.PutUint32(buf[0:4], headerMagic)
	var flags uint8
	if del {
		flags |= flagDel
	}
	buf[4] = flags
	binary.BigEndian.PutUint32(buf[5:9], addrID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	binary.BigEndian.PutUint64(buf[15:23], uint64(offset))

	crc := crc32.ChecksumIEEE(append(append([]byte{}, key...), body...))
	binary.BigEndian.PutUint32(buf[23:27], crc)
	// buf[27:32] reserved, left zero.

	n := headerSize
	n += copy(buf[n:], key)
	copy(buf[n:], body)
	return buf
}

// decodeHeader parses a headerSize-length buffer into a Header.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.Errorf("avs: short header: %d bytes", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != headerMagic {
		return Header{}, errors.Errorf("avs: bad magic %#x at header", magic)
	}
	flags := buf[4]
	h := Header{
		AddrID:  binary.BigEndian.Uint32(buf[5:9]),
		KeyLen:  binary.BigEndian.Uint16(buf[9:11]),
		BodyLen: binary.BigEndian.Uint32(buf[11:15]),
		Offset:  int64(binary.BigEndian.Uint64(buf[15:23])),
		Del:     flags&flagDel != 0,
		CRC32:   binary.BigEndian.Uint32(buf[23:27]),
	}
	return h, nil
}

func verifyCRC(h Header, key, body []byte) error {
	want := h.CRC32
	got := crc32.ChecksumIEEE(append(append([]byte{}, key...), body...))
	if want != got {
		return errors.Errorf("avs: crc mismatch at offset %d: want %x got %x", h.Offset, want, got)
	}
	return nil
}

// readRecordAt reads one full record starting at offset from r, returning
// the decoded record and the offset of the next record.
func readRecordAt(r ReadHandle, offset int64) (*Record, int64, error) {
	hbuf := make([]byte, headerSize)
	n, err := r.ReadAt(hbuf, offset)
	if err != nil {
		if isEOF(err) && n == 0 {
			return nil, 0, errs.ErrEOF
		}
		return nil, 0, errors.Wrapf(err, "avs: read header at %d", offset)
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		return nil, 0, err
	}
	body := make([]byte, int(h.KeyLen)+int(h.BodyLen))
	if _, err := r.ReadAt(body, offset+headerSize); err != nil {
		return nil, 0, errors.Wrapf(err, "avs: read key/body at %d", offset)
	}
	key := body[:h.KeyLen]
	val := body[h.KeyLen:]
	if err := verifyCRC(h, key, val); err != nil {
		return nil, 0, err
	}
	total := headerSize + int(h.KeyLen) + int(h.BodyLen)
	next := offset + int64(total+paddingFor(total))
	return &Record{Header: h, Key: key, Body: val}, next, nil
}

func isEOF(err error) bool {
	cause := errors.Cause(err)
	return cause == io.EOF || cause == io.ErrUnexpectedEOF
}
