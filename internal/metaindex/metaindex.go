package metaindex

// MetaIndex is the external metadata-index collaborator named in
// spec.md §6, restated as a Go interface so internal/avs and
// internal/container depend on the contract rather than the concrete
// bbolt-backed implementation.
type MetaIndex interface {
	Get(key []byte) (*Metadata, error)
	Put(key []byte, m *Metadata) error
	Delete(key []byte) error
	Fetch(keyPrefix []byte, visitor FetchVisitor) ([]*Metadata, error)

	CompactStart() error
	CompactPut(key []byte, m *Metadata) error
	CompactEnd(committed bool) error

	RawFilePath() (string, error)
	Close() error
}
