package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rclone/avsd/internal/container"
	"github.com/rclone/avsd/internal/metaindex"
	"github.com/rclone/avsd/pkg/config"
)

func newCompactCommand() *cobra.Command {
	var configPath, containerID string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "run one manual compaction against a single container, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(configPath, containerID)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "avsworkerd.toml", "path to the node TOML config")
	cmd.Flags().StringVar(&containerID, "id", "", "container id to compact (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runCompact(configPath, containerID string) error {
	node, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var target *config.ContainerSpec
	for i := range node.Containers {
		if node.Containers[i].ID == containerID {
			target = &node.Containers[i]
			break
		}
	}
	if target == nil {
		return errors.Errorf("compact: no container %q in %q", containerID, configPath)
	}

	c, err := container.New(container.Config{
		ID:       target.ID,
		SeqNo:    target.SeqNo,
		MetaDBID: target.MetaDBID,
		Root:     node.RootPath,
		Logger:   logrus.StandardLogger(),
	})
	if err != nil {
		return errors.Wrap(err, "compact: open container")
	}
	defer c.Stop()

	// The CLI has no partitioning information of its own, so every key
	// this container already holds is treated as owned; only tombstoned
	// and superseded records are dropped.
	everyKeyOwned := metaindex.HasChargeFunc(func(rawKey []byte) bool { return true })

	if err := c.Compact(everyKeyOwned, nil); err != nil {
		return errors.Wrap(err, "compact: run")
	}
	logrus.WithField("container_id", containerID).Info("compaction finished")
	return nil
}
