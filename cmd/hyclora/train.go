package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/logger"
	"github.com/hyclora-ml/hyclora/internal/train"
)

func trainCmd() *cli.Command {
	var (
		configPath   string
		layerType    string
		steps        int64
		batch        int64
		seqLen       int64
		lr           float64
		optimizer    string
		seed         int64
		snapshotPath string
		reportJSON   bool
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Run the demo fine-tuning loop on synthetic batches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to yaml configuration",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "layer-type",
				Usage:       "override layer_type (baseline, intra, intra_inter, intra_inter_full_fuse)",
				Destination: &layerType,
			},
			&cli.IntFlag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "training steps to run",
				Value:       20,
				Destination: &steps,
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
			&cli.FloatFlag{
				Name:        "lr",
				Usage:       "learning rate",
				Value:       1e-3,
				Destination: &lr,
			},
			&cli.StringFlag{
				Name:        "optimizer",
				Usage:       "optimizer (sgd or adam)",
				Value:       "sgd",
				Destination: &optimizer,
			},
			&cli.IntFlag{
				Name:        "seed",
				Usage:       "rng seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "snapshot",
				Usage:       "write a calibration snapshot here when done",
				Destination: &snapshotPath,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the run report as JSON",
				Destination: &reportJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if layerType != "" {
				cfg.LayerType = layerType
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			log := logger.Text(os.Stderr, logger.ParseLevel(cfg.LogLevel))
			res, err := train.Run(train.Options{
				Config:       cfg,
				Steps:        int(steps),
				BatchSize:    int(batch),
				SeqLen:       int(seqLen),
				LR:           float32(lr),
				Optimizer:    optimizer,
				Seed:         seed,
				SnapshotPath: snapshotPath,
				Log:          log,
			})
			if err != nil {
				return err
			}

			if reportJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			last := res.Steps[len(res.Steps)-1]
			fmt.Printf("run %s (%s): %d steps, final loss %.6f, buffered %d bytes (%.1f%% saved)\n",
				res.RunID, res.LayerType, len(res.Steps), res.FinalLoss,
				last.Memory.BufferedBytes, 100*last.Memory.SavingsRatio)
			return nil
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
