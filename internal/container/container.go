// Package container implements the per-container worker: the state
// machine, handle lifecycle, request dispatcher, object operations and
// compactor described in spec.md. One Container owns exactly one AVS
// file plus one metadata index and serializes every call against that
// pair through a single-consumer dispatcher, mirroring the actor the
// teacher's backend/cache.Persistent plays around one bolt.DB file.
package container

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/errs"
	"github.com/rclone/avsd/internal/metaindex"
)

// State is the container's lifecycle state, per spec.md §3's
// Init -> Ready -> Compacting -> Ready -> Terminating machine.
type State int

const (
	StateInit State = iota
	StateReady
	StateCompacting
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateCompacting:
		return "compacting"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Config describes one container, the (id, seq_no, meta_db_id, root_path)
// tuple the supervisor hands to start_link in spec.md §3.
type Config struct {
	ID        string
	SeqNo     int
	MetaDBID  string
	Root      string
	Logger    logrus.FieldLogger
	OpenIndex func(path string) (metaindex.MetaIndex, error)
}

// Container is one (AVS file, metadata partition, worker) triple.
type Container struct {
	cfg Config
	log logrus.FieldLogger

	mu    sync.Mutex
	state State

	backend *avs.BackendInfo
	idx     metaindex.MetaIndex
	stats   *StorageStats

	disp *dispatcher

	compacting bool
}

// New opens (or creates, on first boot) a container's AVS file and
// metadata index and starts its request dispatcher. It refuses to start
// (returns errs.ErrInitFailure wrapped with the cause) if the raw file
// or symlink cannot be created, per spec.md §7.
func New(cfg Config) (*Container, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"container_id": cfg.ID,
		"seq_no":       cfg.SeqNo,
	})

	raw, stable, err := resolvePath(cfg.Root, cfg.SeqNo)
	if err != nil {
		return nil, errors.Wrap(errs.ErrInitFailure, err.Error())
	}
	w, r, err := openHandles(raw)
	if err != nil {
		return nil, errors.Wrap(errs.ErrInitFailure, err.Error())
	}

	openIndex := cfg.OpenIndex
	if openIndex == nil {
		openIndex = defaultOpenIndex
	}
	idxPath := metaIndexPath(cfg.Root, cfg.MetaDBID)
	idx, err := openIndex(idxPath)
	if err != nil {
		_ = closeHandles(w, r)
		return nil, errors.Wrap(errs.ErrInitFailure, err.Error())
	}

	st := loadStats(cfg.Root, cfg.ID)
	st.FilePath = stable

	c := &Container{
		cfg:   cfg,
		log:   log,
		state: StateReady,
		backend: &avs.BackendInfo{
			FilePath:    stable,
			FilePathRaw: raw,
			Write:       w,
			Read:        r,
		},
		idx:   idx,
		stats: st,
	}
	c.disp = newDispatcher(c.log)
	go c.disp.run()

	c.log.WithField("raw_path", raw).Info("container ready")
	return c, nil
}

func defaultOpenIndex(path string) (metaindex.MetaIndex, error) {
	return metaindex.Open(path)
}

// metaIndexPath is where a container's bolt.DB metadata index lives.
// Out of scope for spec.md itself (the metadata index is an external
// collaborator identified only by meta_db_id), but concretely needed by
// the default in-process wiring this module ships.
func metaIndexPath(root, metaDBID string) string {
	return root + "/meta/" + metaDBID + ".db"
}

// ID returns the container's configured id, the key the supervisor and
// router address it by.
func (c *Container) ID() string {
	return c.cfg.ID
}

// State returns the container's current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop terminates the container: it drains the dispatcher, persists
// stats on a best-effort basis even if closing handles fails, and
// releases the metadata index. Per spec.md §7, terminate always
// attempts to persist stats.
func (c *Container) Stop() error {
	c.setState(StateTerminating)

	_, err := c.disp.submitNoDeadline(func() (interface{}, error) {
		closeErr := closeHandles(c.backend.Write, c.backend.Read)
		saveErr := saveStats(c.cfg.Root, c.cfg.ID, c.stats)
		idxErr := c.idx.Close()
		if closeErr != nil {
			return nil, closeErr
		}
		if saveErr != nil {
			return nil, saveErr
		}
		return nil, idxErr
	})
	c.disp.stop()
	return err
}
