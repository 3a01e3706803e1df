//go:build windows

package main

import (
	"github.com/spf13/cobra"
)

// newGCCommand is a stub on Windows: internal/container.GCAbandoned
// relies on golang.org/x/sys/unix.Flock to probe whether an abandoned
// raw file is still held open, which has no Windows equivalent wired
// up yet (see DESIGN.md). The subcommand stays registered so `avsworkerd
// --help` is identical across platforms, but running it fails clearly
// instead of silently doing nothing.
func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "remove abandoned raw AVS files left behind by a crashed compaction (unavailable on windows)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return errGCUnsupported
		},
	}
}

var errGCUnsupported = gcUnsupportedError{}

type gcUnsupportedError struct{}

func (gcUnsupportedError) Error() string {
	return "gc: not supported on windows"
}
