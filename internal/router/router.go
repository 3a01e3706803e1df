// Package router is a minimal stand-in for the request router spec.md
// §1 names as an external collaborator ("a higher layer routes requests
// by hashing the object key to a worker"). It exists so cmd/avsworkerd
// has something to dispatch through; the worker itself has no
// dependency on it.
package router

import (
	"hash/fnv"

	"github.com/pkg/errors"

	"github.com/rclone/avsd/internal/container"
)

// Router owns a fixed set of containers and maps an object key to
// exactly one of them by hashing, so that within-container
// serialization (spec.md §5) implies global per-key serialization.
type Router struct {
	containers []*container.Container
}

// New builds a Router over an already-started set of containers. Order
// matters: it determines which container a given key hashes to, and
// must stay stable across restarts for the same node.
func New(containers []*container.Container) *Router {
	return &Router{containers: containers}
}

// Route returns the container owning key.
func (r *Router) Route(key []byte) (*container.Container, error) {
	if len(r.containers) == 0 {
		return nil, errors.New("router: no containers registered")
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	idx := int(h.Sum32()) % len(r.containers)
	if idx < 0 {
		idx += len(r.containers)
	}
	return r.containers[idx], nil
}

// All returns every container the router knows about, for fan-out
// operations like a full-node compact sweep.
func (r *Router) All() []*container.Container {
	return r.containers
}
