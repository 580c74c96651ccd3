package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/hyclora-ml/hyclora/internal/logger"
	"github.com/hyclora-ml/hyclora/internal/train"
)

func calibrateCmd() *cli.Command {
	var (
		configPath string
		batch      int64
		seqLen     int64
		seed       int64
		outPath    string
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Run just the calibration warm-up and write the range snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to yaml configuration",
				Destination: &configPath,
			},
			&cli.IntFlag{
				Name:        "batch",
				Usage:       "batch size",
				Value:       2,
				Destination: &batch,
			},
			&cli.IntFlag{
				Name:        "seq",
				Usage:       "sequence length",
				Value:       16,
				Destination: &seqLen,
			},
			&cli.IntFlag{
				Name:        "seed",
				Usage:       "rng seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "snapshot output path",
				Value:       "calibration.hycsnap",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			log := logger.Text(os.Stderr, logger.ParseLevel(cfg.LogLevel))
			// One step past the threshold so the freeze actually happens
			// before the snapshot is taken.
			_, err = train.Run(train.Options{
				Config:       cfg,
				Steps:        cfg.IterationThreshold + 1,
				BatchSize:    int(batch),
				SeqLen:       int(seqLen),
				LR:           0,
				Optimizer:    "sgd",
				Seed:         seed,
				SnapshotPath: outPath,
				Log:          log,
			})
			if err != nil {
				return err
			}
			fmt.Printf("calibrated over %d steps, snapshot written to %s\n",
				cfg.IterationThreshold, outPath)
			return nil
		},
	}
}
