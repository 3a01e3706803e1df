package container

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/errs"
	"github.com/rclone/avsd/internal/metaindex"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	c, err := New(Config{
		ID:       "c0",
		SeqNo:    0,
		MetaDBID: "c0",
		Root:     t.TempDir(),
		Logger:   log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestFirstBootMintsStableSymlink(t *testing.T) {
	c := newTestContainer(t)
	fi, err := os.Lstat(c.backend.FilePath)
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeSymlink != 0)

	target, err := os.Readlink(c.backend.FilePath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(c.backend.FilePathRaw), target)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestContainer(t)
	obj := &avs.Object{AddrID: 1, Key: []byte("hello"), Body: []byte("world")}
	require.NoError(t, c.Put(obj))

	res, err := c.Get(1, []byte("hello"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(res.Body))

	st, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalNum)
	assert.EqualValues(t, 1, st.ActiveNum)
}

func TestPutOverwriteKeepsOneActiveRecord(t *testing.T) {
	c := newTestContainer(t)
	key := []byte("k")
	require.NoError(t, c.Put(&avs.Object{AddrID: 1, Key: key, Body: []byte("v1")}))
	require.NoError(t, c.Put(&avs.Object{AddrID: 1, Key: key, Body: []byte("v2-longer")}))

	res, err := c.Get(1, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "v2-longer", string(res.Body))

	st, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalNum, "both puts are on-disk records")
	assert.EqualValues(t, 1, st.ActiveNum, "only the newest record is active")
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	c := newTestContainer(t)
	obj := &avs.Object{AddrID: 1, Key: []byte("gone"), Body: []byte("bye")}
	require.NoError(t, c.Put(obj))
	require.NoError(t, c.Delete(obj))

	_, err := c.Get(1, []byte("gone"), 0, -1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	m, err := c.Head(1, []byte("gone"))
	require.NoError(t, err)
	assert.True(t, m.Del)
}

func TestFetchOrdersByKeyWithPrefix(t *testing.T) {
	c := newTestContainer(t)
	for _, k := range []string{"a1", "a2", "b1"} {
		require.NoError(t, c.Put(&avs.Object{AddrID: 1, Key: []byte(k), Body: []byte("x")}))
	}

	var got []string
	_, err := c.Fetch(metaindex.EncodeKey(1, []byte("a")), metaindex.FetchVisitorFunc(func(m *metaindex.Metadata) metaindex.Decision {
		got = append(got, string(m.Key))
		return metaindex.Continue
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, got)
}

func TestCompactDropsTombstonesAndKeepsLiveData(t *testing.T) {
	c := newTestContainer(t)
	live := &avs.Object{AddrID: 1, Key: []byte("live"), Body: []byte("stays")}
	dead := &avs.Object{AddrID: 1, Key: []byte("dead"), Body: []byte("goes")}
	require.NoError(t, c.Put(live))
	require.NoError(t, c.Put(dead))
	require.NoError(t, c.Delete(dead))

	everything := metaindex.HasChargeFunc(func([]byte) bool { return true })
	require.NoError(t, c.Compact(everything, nil))

	res, err := c.Get(1, []byte("live"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "stays", string(res.Body))

	_, err = c.Get(1, []byte("dead"), 0, -1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	st, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.ActiveNum)
	assert.Len(t, st.CompactionHistories, 1)
	assert.NotZero(t, st.CompactionHistories[0].End)
}

func TestCompactDropsOrphansOutsideOwnership(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.Put(&avs.Object{AddrID: 1, Key: []byte("mine"), Body: []byte("a")}))
	require.NoError(t, c.Put(&avs.Object{AddrID: 1, Key: []byte("orphan"), Body: []byte("b")}))

	// HasCharge is invoked with the raw object key (Record.Key), not the
	// composite addr_id+key index key, per spec.md §4.6.
	onlyMine := metaindex.HasChargeFunc(func(rawKey []byte) bool {
		return string(rawKey) == "mine"
	})
	require.NoError(t, c.Compact(onlyMine, nil))

	_, err := c.Get(1, []byte("mine"), 0, -1)
	assert.NoError(t, err)
	st, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.ActiveNum)
}

func TestCompactIsNotReentrant(t *testing.T) {
	c := newTestContainer(t)
	c.mu.Lock()
	c.compacting = true
	c.mu.Unlock()
	everything := metaindex.HasChargeFunc(func([]byte) bool { return true })
	err := c.Compact(everything, nil)
	assert.ErrorIs(t, err, errs.ErrCompactionInProgress)
}
