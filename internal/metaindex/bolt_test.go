package metaindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/avsd/internal/errs"
)

func openTestIndex(t *testing.T) *BoltIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	idx, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestPutGetDelete(t *testing.T) {
	idx := openTestIndex(t)
	key := EncodeKey(1, []byte("foo"))

	_, err := idx.Get(key)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, idx.Put(key, &Metadata{AddrID: 1, Key: []byte("foo"), Offset: 10, Size: 20}))
	m, err := idx.Get(key)
	require.NoError(t, err)
	assert.EqualValues(t, 10, m.Offset)
	assert.EqualValues(t, 20, m.Size)

	require.NoError(t, idx.Delete(key))
	_, err = idx.Get(key)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFetchPrefixScanStopsEarly(t *testing.T) {
	idx := openTestIndex(t)
	for i := 0; i < 5; i++ {
		key := EncodeKey(1, []byte{byte('a' + i)})
		require.NoError(t, idx.Put(key, &Metadata{AddrID: 1, Key: []byte{byte('a' + i)}}))
	}

	var visited []string
	_, err := idx.Fetch(EncodeKey(1, nil), FetchVisitorFunc(func(m *Metadata) Decision {
		visited = append(visited, string(m.Key))
		if len(visited) == 2 {
			return Stop
		}
		return Continue
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, visited)
}

func TestCompactCommitReplacesLiveSet(t *testing.T) {
	idx := openTestIndex(t)
	oldKey := EncodeKey(1, []byte("old"))
	require.NoError(t, idx.Put(oldKey, &Metadata{AddrID: 1, Key: []byte("old"), Offset: 1}))

	require.NoError(t, idx.CompactStart())
	newKey := EncodeKey(1, []byte("new"))
	require.NoError(t, idx.CompactPut(newKey, &Metadata{AddrID: 1, Key: []byte("new"), Offset: 99}))

	// Staged entries are invisible until CompactEnd(true) commits them.
	_, err := idx.Get(newKey)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = idx.Get(oldKey)
	assert.NoError(t, err)

	require.NoError(t, idx.CompactEnd(true))

	_, err = idx.Get(oldKey)
	assert.ErrorIs(t, err, errs.ErrNotFound, "compact commit replaces the live set wholesale")
	m, err := idx.Get(newKey)
	require.NoError(t, err)
	assert.EqualValues(t, 99, m.Offset)
}

func TestCompactRollbackLeavesLiveSetUntouched(t *testing.T) {
	idx := openTestIndex(t)
	key := EncodeKey(1, []byte("keep"))
	require.NoError(t, idx.Put(key, &Metadata{AddrID: 1, Key: []byte("keep"), Offset: 1}))

	require.NoError(t, idx.CompactStart())
	require.NoError(t, idx.CompactPut(EncodeKey(1, []byte("discarded")), &Metadata{AddrID: 1, Key: []byte("discarded")}))
	require.NoError(t, idx.CompactEnd(false))

	m, err := idx.Get(key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Offset)
	_, err = idx.Get(EncodeKey(1, []byte("discarded")))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCompactStartTwiceFails(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.CompactStart())
	err := idx.CompactStart()
	assert.ErrorIs(t, err, errs.ErrCompactionInProgress)
	require.NoError(t, idx.CompactEnd(false))
}
