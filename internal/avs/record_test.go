package avs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/avsd/internal/errs"
)

// memReadHandle mimics osReadHandle's ReadAt contract: a real *os.File
// returns io.EOF (possibly wrapped) past end-of-file, never this
// package's errs.ErrEOF sentinel directly.
type memReadHandle struct {
	buf []byte
}

func (m *memReadHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memReadHandle) Close() error { return nil }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := encodeRecord(7, false, 0, []byte("object-key"), []byte("hello world"))
	assert.Equal(t, 0, len(rec)%alignment, "record must be padded to alignment")

	h := &memReadHandle{buf: rec}
	got, next, err := readRecordAt(h, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Header.AddrID)
	assert.False(t, got.Header.Del)
	assert.Equal(t, "object-key", string(got.Key))
	assert.Equal(t, "hello world", string(got.Body))
	assert.EqualValues(t, len(rec), next)
}

func TestReadRecordAtCorruptedCRC(t *testing.T) {
	rec := encodeRecord(1, false, 0, []byte("k"), []byte("v"))
	rec[headerSize] ^= 0xFF // flip the key's first byte so CRC no longer matches

	h := &memReadHandle{buf: rec}
	_, _, err := readRecordAt(h, 0)
	assert.Error(t, err)
}

func TestReadRecordAtEOF(t *testing.T) {
	h := &memReadHandle{buf: nil}
	_, _, err := readRecordAt(h, 0)
	assert.ErrorIs(t, err, errs.ErrEOF)
}

func TestCalcRecordSizeMatchesEncoded(t *testing.T) {
	key := []byte("a-key")
	body := []byte("a body with some length to it")
	rec := encodeRecord(0, false, 0, key, body)
	assert.EqualValues(t, len(rec), CalcRecordSize(len(key), len(body)))
}

func TestPaddingForAlignsToEight(t *testing.T) {
	for n := 0; n < 32; n++ {
		pad := paddingFor(n)
		assert.Equal(t, 0, (n+pad)%alignment)
		assert.True(t, pad < alignment)
	}
}
