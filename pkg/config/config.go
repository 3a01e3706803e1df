// Package config loads the small TOML document cmd/avsworkerd uses to
// boot a node's containers. The worker package itself never imports
// this: per spec.md §3 a container only needs (id, seq_no, meta_db_id,
// root_path), however those get supplied.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ContainerSpec is one [[container]] table.
type ContainerSpec struct {
	ID       string `toml:"id"`
	SeqNo    int    `toml:"seq_no"`
	MetaDBID string `toml:"meta_db_id"`
}

// Node is the top-level document: a root path shared by every
// container plus the list of containers to start under it.
type Node struct {
	RootPath   string          `toml:"root_path"`
	Containers []ContainerSpec `toml:"container"`
}

// Load parses the TOML file at path into a Node and validates that
// every container entry carries the fields a container.Config needs.
func Load(path string) (*Node, error) {
	var n Node
	if _, err := toml.DecodeFile(path, &n); err != nil {
		return nil, errors.Wrapf(err, "config: decode %q", path)
	}
	if n.RootPath == "" {
		return nil, errors.Errorf("config: %q: root_path is required", path)
	}
	seen := map[string]bool{}
	for _, c := range n.Containers {
		if c.ID == "" {
			return nil, errors.Errorf("config: %q: container missing id", path)
		}
		if seen[c.ID] {
			return nil, errors.Errorf("config: %q: duplicate container id %q", path, c.ID)
		}
		seen[c.ID] = true
		if c.MetaDBID == "" {
			return nil, errors.Errorf("config: %q: container %q missing meta_db_id", path, c.ID)
		}
	}
	return &n, nil
}
