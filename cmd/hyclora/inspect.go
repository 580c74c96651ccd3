package main

import (
	"context"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/fusion"
)

type planJSON struct {
	Kind  string         `json:"kind"`
	Fused bool           `json:"fused"`
	Steps []planStepJSON `json:"steps"`
}

type planStepJSON struct {
	Boundary string `json:"boundary"`
	Decision string `json:"decision"`
	Source   string `json:"source,omitempty"`
}

type snapshotJSON struct {
	Step      int                `json:"step"`
	Threshold int                `json:"threshold"`
	Stats     []snapshotStatJSON `json:"stats"`
}

type snapshotStatJSON struct {
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	Iterations int     `json:"iterations"`
	Min        float32 `json:"min"`
	Max        float32 `json:"max"`
}

func inspectCmd() *cli.Command {
	var (
		layerType    string
		snapshotPath string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a fusion plan or a calibration snapshot as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "layer-type",
				Usage:       "layer type whose fusion plan to print",
				Destination: &layerType,
			},
			&cli.StringFlag{
				Name:        "snapshot",
				Usage:       "path of a calibration snapshot to print",
				Destination: &snapshotPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if snapshotPath != "" {
				ctrl, stats, err := calib.Load(snapshotPath)
				if err != nil {
					return err
				}
				out := snapshotJSON{Step: ctrl.Step(), Threshold: ctrl.Threshold()}
				names := make([]string, 0, len(stats))
				for name := range stats {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					st := stats[name]
					entry := snapshotStatJSON{
						Name:       name,
						Channels:   st.Channels(),
						Iterations: st.Iterations(),
					}
					first := true
					for c := 0; c < st.Channels(); c++ {
						lo, hi, ok := st.Bounds(c)
						if !ok {
							continue
						}
						if first || lo < entry.Min {
							entry.Min = lo
						}
						if first || hi > entry.Max {
							entry.Max = hi
						}
						first = false
					}
					out.Stats = append(out.Stats, entry)
				}
				return enc.Encode(out)
			}

			if layerType == "" {
				layerType = "intra_inter"
			}
			kind, err := fusion.ParseKind(layerType)
			if err != nil {
				return err
			}
			plan, err := fusion.Build(kind)
			if err != nil {
				return err
			}
			out := planJSON{Kind: kind.String(), Fused: kind.Fused()}
			for b := fusion.Boundary(0); b < fusion.NumBoundaries; b++ {
				step := plan.At(b)
				entry := planStepJSON{
					Boundary: b.String(),
					Decision: step.Decision.String(),
				}
				if step.Decision == fusion.Recompute {
					entry.Source = step.Source.String()
				}
				out.Steps = append(out.Steps, entry)
			}
			return enc.Encode(out)
		},
	}
}
