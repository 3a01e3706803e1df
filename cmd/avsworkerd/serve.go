package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rclone/avsd/internal/avs"
	"github.com/rclone/avsd/internal/container"
	"github.com/rclone/avsd/internal/router"
	"github.com/rclone/avsd/pkg/config"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "boot every container listed in a node config and keep them running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "avsworkerd.toml", "path to the node TOML config")
	return cmd
}

func runServe(configPath string) error {
	node, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var containers []*container.Container
	for _, cs := range node.Containers {
		log := logrus.StandardLogger()
		c, err := container.New(container.Config{
			ID:       cs.ID,
			SeqNo:    cs.SeqNo,
			MetaDBID: cs.MetaDBID,
			Root:     node.RootPath,
			Logger:   log,
		})
		if err != nil {
			stopAll(containers)
			return errors.Wrapf(err, "serve: start container %q", cs.ID)
		}
		containers = append(containers, c)
		log.WithField("container_id", cs.ID).Info("started")
	}

	logrus.WithField("count", len(containers)).Info("all containers ready")

	rtr := router.New(containers)
	if err := routerSelfCheck(rtr); err != nil {
		logrus.WithError(err).Warn("router self-check failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("shutting down")
	stopAll(rtr.All())
	return nil
}

// routerSelfCheck hashes a fixed admin key to one of the node's
// containers and round-trips a heartbeat object through it, proving
// the router actually reaches a live container before real traffic
// does.
func routerSelfCheck(rtr *router.Router) error {
	key := []byte("avsworkerd/router-self-check")
	target, err := rtr.Route(key)
	if err != nil {
		return errors.Wrap(err, "route")
	}

	obj := &avs.Object{AddrID: 0, Key: key, Body: []byte("ok")}
	if err := target.Put(obj); err != nil {
		return errors.Wrapf(err, "put via container %q", target.ID())
	}
	res, err := target.Get(0, key, 0, -1)
	if err != nil {
		return errors.Wrapf(err, "get via container %q", target.ID())
	}
	logrus.WithFields(logrus.Fields{
		"container_id": target.ID(),
		"body":         string(res.Body),
	}).Info("router self-check routed successfully")
	return nil
}

func stopAll(containers []*container.Container) {
	for _, c := range containers {
		if err := c.Stop(); err != nil {
			logrus.WithError(err).Warn("error stopping container")
		}
	}
}
