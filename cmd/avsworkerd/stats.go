package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rclone/avsd/internal/container"
	"github.com/rclone/avsd/pkg/config"
)

func newStatsCommand() *cobra.Command {
	var configPath, containerID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print a container's persisted stats file without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := config.Load(configPath)
			if err != nil {
				return err
			}
			s := container.LoadStats(node.RootPath, containerID)
			fmt.Printf("file_path:   %s\n", s.FilePath)
			fmt.Printf("total_sizes: %d\n", s.TotalSizes)
			fmt.Printf("active_sizes:%d\n", s.ActiveSizes)
			fmt.Printf("total_num:   %d\n", s.TotalNum)
			fmt.Printf("active_num:  %d\n", s.ActiveNum)
			fmt.Printf("has_error:   %t\n", s.HasError)
			fmt.Printf("compactions: %d entries\n", len(s.CompactionHistories))
			for i, h := range s.CompactionHistories {
				fmt.Printf("  [%d] start=%d end=%d\n", i, h.Start, h.End)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "avsworkerd.toml", "path to the node TOML config")
	cmd.Flags().StringVar(&containerID, "id", "", "container id to inspect (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
