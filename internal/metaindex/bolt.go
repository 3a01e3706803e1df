package metaindex

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/rclone/avsd/internal/errs"
)

// Bucket names. liveBucket holds the authoritative, committed entries.
// stagingBucket only exists between CompactStart and CompactEnd; it
// accumulates the entries the in-flight compaction has written so far,
// mirroring the nested-bucket staging area rclone's cache backend keeps
// for pending uploads (backend/cache/storage_persistent.go's
// tempBucket).
var (
	liveBucket    = []byte("live")
	stagingBucket = []byte("staging")
)

// BoltIndex is the MetaIndex implementation backing one container's
// metadata, one bolt.DB file per container.
type BoltIndex struct {
	path string
	db   *bolt.DB

	mu        sync.Mutex
	compacted bool // true while a compaction is in progress
}

// Open connects to (creating if absent) the bolt.DB file at path.
func Open(path string) (*BoltIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "metaindex: create dir for %q", path)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "metaindex: open %q", path)
	}
	idx := &BoltIndex{path: path, db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(liveBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "metaindex: create live bucket")
	}
	return idx, nil
}

// RawFilePath returns the path to the bolt.DB file backing this index.
func (b *BoltIndex) RawFilePath() (string, error) {
	return b.path, nil
}

// Get fetches the metadata entry for key, returning errs.ErrNotFound if
// absent.
func (b *BoltIndex) Get(key []byte) (*Metadata, error) {
	var m *Metadata
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(liveBucket)
		val := bkt.Get(key)
		if val == nil {
			return errs.ErrNotFound
		}
		var err error
		m, err = unmarshalMetadata(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Put inserts or overwrites the metadata entry for key.
func (b *BoltIndex) Put(key []byte, m *Metadata) error {
	enc, err := marshalMetadata(m)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(liveBucket).Put(key, enc)
	})
}

// Delete removes the metadata entry for key. Deleting an absent key is
// not an error.
func (b *BoltIndex) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(liveBucket).Delete(key)
	})
}

// Fetch scans live entries in key order starting at keyPrefix, invoking
// visitor for each and stopping early on metaindex.Stop.
func (b *BoltIndex) Fetch(keyPrefix []byte, visitor FetchVisitor) ([]*Metadata, error) {
	var out []*Metadata
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(liveBucket).Cursor()
		for k, v := c.Seek(keyPrefix); k != nil; k, v = c.Next() {
			m, err := unmarshalMetadata(v)
			if err != nil {
				return err
			}
			out = append(out, m)
			if visitor.Visit(m) == Stop {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompactStart opens a fresh staging bucket a running compaction will
// write into; CompactPut calls are invisible to Get/Fetch until
// CompactEnd(true) commits them.
func (b *BoltIndex) CompactStart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.compacted {
		return errs.ErrCompactionInProgress
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(stagingBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(stagingBucket)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "metaindex: compact_start")
	}
	b.compacted = true
	return nil
}

// CompactPut records a surviving entry's new (post-rewrite) metadata in
// the staging bucket.
func (b *BoltIndex) CompactPut(key []byte, m *Metadata) error {
	enc, err := marshalMetadata(m)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stagingBucket).Put(key, enc)
	})
}

// CompactEnd commits the staged entries as the new live set (replacing
// it wholesale) when committed is true, or discards staging otherwise.
// bbolt has no bucket rename, so "swap" is a single-transaction
// delete-recreate-and-copy, following the same nested-bucket walk
// pattern backend/cache/storage_persistent.go uses in iterateBuckets.
func (b *BoltIndex) CompactEnd(committed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() { b.compacted = false }()

	if !committed {
		return b.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(stagingBucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			return nil
		})
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(liveBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		live, err := tx.CreateBucket(liveBucket)
		if err != nil {
			return err
		}
		staging := tx.Bucket(stagingBucket)
		if staging != nil {
			c := staging.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if err := live.Put(k, v); err != nil {
					return err
				}
			}
			if err := tx.DeleteBucket(stagingBucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying bolt.DB handle.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}
