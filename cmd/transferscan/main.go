// Command transferscan reports large native and ERC-20 transfers on XDC.
//
// Usage:
//
//	transferscan scan --config config.yaml          # one run from the checkpoint to the tip
//	transferscan scan --config config.yaml --interval 10m
//	transferscan setup                              # interactive config wizard
//	transferscan latest --config config.yaml        # newest artifact path, if any
//
// The price API key is read from CMC_API_KEY; a .env file in the working directory is loaded first.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/config"
	"github.com/xdc-intel/transferscan/internal"
	"github.com/xdc-intel/transferscan/internal/setup"
	"github.com/xdc-intel/transferscan/internal/storage/artifact"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML config",
		EnvVars: []string{"TRANSFERSCAN_CONFIG"},
	}

	app := &cli.App{
		Name:  "transferscan",
		Usage: "scan recent blocks for transfers above a USD threshold",
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "scan from the checkpoint to the chain tip",
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{Name: "once", Usage: "run once even if an interval is configured"},
					&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Usage: "repeat runs at this interval"},
					&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "debug, info, warn or error"},
				},
				Action: scan,
			},
			{
				Name:  "setup",
				Usage: "write a config file interactively",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: setup.DefaultPath, Usage: "where to write the config"},
				},
				Action: func(c *cli.Context) error {
					return setup.RunTUI(c.String("output"))
				},
			},
			{
				Name:   "latest",
				Usage:  "print the newest published artifact",
				Flags:  []cli.Flag{configFlag},
				Action: latest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func scan(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	interval := cfg.Interval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}
	if c.Bool("once") {
		interval = 0
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, closeFn, err := internal.NewTrackerFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start scanner", zap.Error(err))
		return err
	}
	defer closeFn()

	logger.Info("Starting transferscan",
		zap.Strings("rpc_urls", cfg.RPCURLs),
		zap.String("threshold_usd", cfg.ThresholdUSD.String()),
		zap.Uint64("lookback_blocks", cfg.LookbackBlocks),
		zap.Duration("interval", interval),
	)

	err = tracker.Run(ctx, interval)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("Shutting down")
		return nil
	}

	return err
}

func latest(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	path, ok, err := artifact.Latest(cfg.OutputDir, cfg.OutputPrefix)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(c.App.Writer, path)
	}

	return nil
}
