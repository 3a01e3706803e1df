//go:build !windows

package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rclone/avsd/internal/container"
	"github.com/rclone/avsd/pkg/config"
)

func newGCCommand() *cobra.Command {
	var configPath string
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "remove abandoned raw AVS files left behind by a crashed compaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := config.Load(configPath)
			if err != nil {
				return err
			}
			removed, err := container.GCAbandoned(node.RootPath, grace)
			if err != nil {
				return err
			}
			logrus.WithField("removed", len(removed)).Info("gc finished")
			for _, path := range removed {
				logrus.WithField("path", path).Debug("removed abandoned file")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "avsworkerd.toml", "path to the node TOML config")
	cmd.Flags().DurationVar(&grace, "grace", time.Hour, "minimum age before an abandoned raw file is removed")
	return cmd
}
