// Command avsworkerd is the local supervisor and operator CLI for the
// avsd container worker: it boots containers from a TOML config,
// triggers one-shot manual compactions, dumps persisted stats, and
// garbage-collects abandoned temp files left behind by a crashed
// compaction.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "avsworkerd",
		Short: "avsd container worker supervisor",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newCompactCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newGCCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
