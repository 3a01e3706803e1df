package container

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxCompactionHistory bounds the compaction_histories ring at 7
// entries, per spec.md I5, newest at index 0.
const maxCompactionHistory = 7

// CompactionEntry is one (start, end) pair in the compaction history
// ring. End == 0 denotes an in-flight compaction.
type CompactionEntry struct {
	Start int64
	End   int64
}

// StorageStats is the in-memory counters accumulator persisted on
// shutdown, per spec.md §3.
type StorageStats struct {
	FilePath            string
	TotalSizes          int64
	ActiveSizes         int64
	TotalNum            int64
	ActiveNum           int64
	CompactionHistories []CompactionEntry
	HasError            bool
}

// pushHistory evicts the oldest entry (tail) before inserting a new
// in-flight one at the head, per spec.md §9's eviction-order note.
func (s *StorageStats) pushHistory(start int64) {
	entry := CompactionEntry{Start: start, End: 0}
	s.CompactionHistories = append([]CompactionEntry{entry}, s.CompactionHistories...)
	if len(s.CompactionHistories) > maxCompactionHistory {
		s.CompactionHistories = s.CompactionHistories[:maxCompactionHistory]
	}
}

// closeHistory closes the most recent (head) in-flight entry.
func (s *StorageStats) closeHistory(end int64) {
	if len(s.CompactionHistories) == 0 {
		return
	}
	s.CompactionHistories[0].End = end
}

// statsPath returns <root>/<state_dir>/<id>, per spec.md §6.
func statsPath(root, id string) string {
	return filepath.Join(root, "state", id)
}

// LoadStats reads a container's persisted property file without
// booting the container, for the CLI's offline "stats" inspection
// command.
func LoadStats(root, id string) *StorageStats {
	return loadStats(root, id)
}

// loadStats reads the property file at statsPath(root, id). Any read or
// parse failure is swallowed and a zero-valued StorageStats is returned
// instead, per spec.md §4.2: init must never fail because the stats
// file is missing or unreadable.
func loadStats(root, id string) *StorageStats {
	s := &StorageStats{}
	f, err := os.Open(statsPath(root, id))
	if err != nil {
		return s
	}
	defer f.Close()

	fields := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		fields[line[:i]] = line[i+1:]
	}

	s.FilePath = fields["file_path"]
	s.TotalSizes = atoi64(fields["total_sizes"])
	s.ActiveSizes = atoi64(fields["active_sizes"])
	s.TotalNum = atoi64(fields["total_num"])
	s.ActiveNum = atoi64(fields["active_num"])
	s.HasError = fields["has_error"] == "true"
	s.CompactionHistories = parseHistories(fields["compaction_histories"])
	return s
}

// saveStats writes the property file atomically (temp file + rename),
// creating the state directory first if needed.
func saveStats(root, id string, s *StorageStats) error {
	dir := filepath.Join(root, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "stats: create state dir %q", dir)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id=%s\n", id)
	fmt.Fprintf(&b, "file_path=%s\n", s.FilePath)
	fmt.Fprintf(&b, "total_sizes=%d\n", s.TotalSizes)
	fmt.Fprintf(&b, "active_sizes=%d\n", s.ActiveSizes)
	fmt.Fprintf(&b, "total_num=%d\n", s.TotalNum)
	fmt.Fprintf(&b, "active_num=%d\n", s.ActiveNum)
	fmt.Fprintf(&b, "compaction_histories=%s\n", formatHistories(s.CompactionHistories))
	fmt.Fprintf(&b, "has_error=%t\n", s.HasError)

	final := statsPath(root, id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "stats: write temp file %q", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrapf(err, "stats: rename %q to %q", tmp, final)
	}
	return nil
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatHistories(hs []CompactionEntry) string {
	parts := make([]string, 0, len(hs))
	for _, h := range hs {
		parts = append(parts, fmt.Sprintf("%d:%d", h.Start, h.End))
	}
	return strings.Join(parts, ",")
}

func parseHistories(s string) []CompactionEntry {
	if s == "" {
		return nil
	}
	var out []CompactionEntry
	for _, p := range strings.Split(s, ",") {
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, CompactionEntry{Start: atoi64(kv[0]), End: atoi64(kv[1])})
	}
	if len(out) > maxCompactionHistory {
		out = out[:maxCompactionHistory]
	}
	return out
}
