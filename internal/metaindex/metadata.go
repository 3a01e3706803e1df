// Package metaindex implements the external metadata index named in
// spec.md §6: a keyed binary -> metadata binary store with range scan
// and a two-phase compact mode, backed by go.etcd.io/bbolt the way
// backend/cache/storage_persistent.go backs rclone's cache metadata with
// a bolt.DB.
package metaindex

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Metadata is the index entry for one object key, per spec.md §3.
type Metadata struct {
	AddrID uint32 `json:"addr_id"`
	Key    []byte `json:"key"`
	Offset int64  `json:"offset"`
	Del    bool   `json:"del"`
	Size   int64  `json:"size"`
}

// EncodeKey builds the composite index key encode(addr_id, key) used to
// address a Metadata entry: a 4-byte big-endian addr_id followed by the
// raw object key.
func EncodeKey(addrID uint32, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out[:4], addrID)
	copy(out[4:], key)
	return out
}

func marshalMetadata(m *Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "metaindex: marshal metadata")
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (*Metadata, error) {
	m := &Metadata{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, errors.Wrap(err, "metaindex: unmarshal metadata")
	}
	return m, nil
}
