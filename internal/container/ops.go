package container

import (
	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/metaindex"
)

// probePut implements spec.md §4.5 step 1 for put: (1,0) if the index
// has no entry for K, (0, size) if it does, (1,0) on any other probe
// error (treated the same as absent).
func (c *Container) probePut(addrID uint32, key []byte) (diffRec, oldSize int64) {
	k := metaindex.EncodeKey(addrID, key)
	m, err := c.idx.Get(k)
	if err != nil {
		return 1, 0
	}
	return 0, m.Size
}

// probeDelete mirrors probePut for delete's (0,0)/(−1,size) cases.
func (c *Container) probeDelete(addrID uint32, key []byte) (diffRec, oldSize int64) {
	k := metaindex.EncodeKey(addrID, key)
	m, err := c.idx.Get(k)
	if err != nil {
		return 0, 0
	}
	return -1, m.Size
}

// Put appends obj and updates the metadata index, per spec.md §4.5.
func (c *Container) Put(obj *avs.Object) error {
	_, err := c.disp.submit(func() (interface{}, error) {
		return nil, c.doPut(obj)
	})
	return err
}

func (c *Container) doPut(obj *avs.Object) error {
	diffRec, oldSize := c.probePut(obj.AddrID, obj.Key)
	newSize := avs.CalcObjSize(obj)

	err := avs.Put(c.idx, c.backend, obj)
	err = c.reopenIfClosed(err)
	if err != nil {
		return err
	}

	c.stats.TotalSizes += newSize
	c.stats.ActiveSizes += newSize - oldSize
	c.stats.TotalNum++
	c.stats.ActiveNum += diffRec
	return nil
}

// Get reads an object's body slice [start,end), per spec.md §4.5.
func (c *Container) Get(addrID uint32, key []byte, start, end int64) (*avs.GetResult, error) {
	v, err := c.disp.submit(func() (interface{}, error) {
		res, err := avs.Get(c.idx, c.backend, addrID, key, start, end)
		err = c.reopenIfClosed(err)
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*avs.GetResult), nil
}

// Delete appends a tombstone and updates stats, per spec.md §4.5. It
// codifies the spec's documented (and flagged-as-likely-buggy)
// active_sizes arithmetic verbatim rather than the more intuitive
// "subtract old_size only" — see DESIGN.md's Open Questions section.
func (c *Container) Delete(obj *avs.Object) error {
	_, err := c.disp.submit(func() (interface{}, error) {
		return nil, c.doDelete(obj)
	})
	return err
}

func (c *Container) doDelete(obj *avs.Object) error {
	diffRec, oldSize := c.probeDelete(obj.AddrID, obj.Key)
	newSize := avs.CalcObjSize(obj)

	err := avs.Delete(c.idx, c.backend, obj)
	err = c.reopenIfClosed(err)
	if err != nil {
		return err
	}

	c.stats.TotalSizes += newSize
	c.stats.ActiveSizes += -newSize - oldSize
	c.stats.TotalNum++
	c.stats.ActiveNum += diffRec
	return nil
}

// Head returns the metadata entry for key without touching the AVS
// file, and without changing stats, per spec.md §4.5.
func (c *Container) Head(addrID uint32, key []byte) (*metaindex.Metadata, error) {
	v, err := c.disp.submit(func() (interface{}, error) {
		return avs.Head(c.idx, addrID, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*metaindex.Metadata), nil
}

// Fetch scans metadata ordered by key starting at keyPrefix.
func (c *Container) Fetch(keyPrefix []byte, visitor metaindex.FetchVisitor) ([]*metaindex.Metadata, error) {
	v, err := c.disp.submit(func() (interface{}, error) {
		return avs.Fetch(c.idx, keyPrefix, visitor)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*metaindex.Metadata), nil
}

// Store writes a caller-supplied metadata+body pair, per spec.md §4.5.
// It deliberately does not invoke the handle-reopen policy, preserving
// parity with the source's behavior (spec.md §9's third open note).
func (c *Container) Store(meta *metaindex.Metadata, body []byte) error {
	_, err := c.disp.submit(func() (interface{}, error) {
		return nil, c.doStore(meta, body)
	})
	return err
}

func (c *Container) doStore(meta *metaindex.Metadata, body []byte) error {
	diffRec, oldSize := c.probePut(meta.AddrID, meta.Key)
	newSize := avs.CalcRecordSize(len(meta.Key), len(body))

	if err := avs.Store(c.idx, c.backend, meta, body); err != nil {
		return err
	}

	c.stats.TotalSizes += newSize
	c.stats.ActiveSizes += newSize - oldSize
	c.stats.TotalNum++
	c.stats.ActiveNum += diffRec
	return nil
}

// Stats returns a copy of the container's current StorageStats.
func (c *Container) Stats() (StorageStats, error) {
	v, err := c.disp.submit(func() (interface{}, error) {
		cp := *c.stats
		cp.CompactionHistories = append([]CompactionEntry(nil), c.stats.CompactionHistories...)
		return cp, nil
	})
	if err != nil {
		return StorageStats{}, err
	}
	return v.(StorageStats), nil
}
