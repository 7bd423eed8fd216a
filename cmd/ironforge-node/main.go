// Package main is the ironforge-node entrypoint: a single validator
// process running storage, consensus, and p2p behind a urfave/cli
// command, the same wiring beacon-chain/main.go does for BeaconNode.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ironforge-chain/ironforge/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to the node's YAML configuration file",
		Required: true,
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "logging verbosity: trace, debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	log := logrus.WithField("prefix", "main")

	app := cli.NewApp()
	app.Name = "ironforge-node"
	app.Usage = "runs a single validator of an ironforge network"
	app.Flags = []cli.Flag{configFlag, verbosityFlag}
	app.Action = startNode

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func startNode(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	cfg, err := node.LoadConfig(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(context.Background()); err != nil {
		return err
	}
	n.WaitForInterrupt()
	return nil
}
