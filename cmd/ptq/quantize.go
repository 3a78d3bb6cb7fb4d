package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/calib"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/recipe"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/stats"
)

func quantizeCmd() *cli.Command {
	var (
		recipePath  string
		weightsPath string
		calibPath   string
		outputPath  string
		statsPath   string
		bins        int
		format      string
		solver      solverOptions
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Compute quantization parameters and bit-widths for every layer of a recipe",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "recipe",
				Aliases:     []string{"r"},
				Usage:       "path to the YAML quantization recipe",
				Destination: &recipePath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to .safetensors file with the layer weights",
				Destination: &weightsPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "calib",
				Aliases:     []string{"c"},
				Usage:       "calibration file with statistics, samples or representative inputs",
				Destination: &calibPath,
			},
			&cli.IntFlag{
				Name:        "bins",
				Usage:       "histogram bins for collected statistics",
				Value:       stats.DefaultBins,
				Destination: &bins,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "also write the JSON report to this file",
				Destination: &outputPath,
			},
			&cli.StringFlag{
				Name:        "save-stats",
				Usage:       "write the activation statistics used to this calibration file",
				Destination: &statsPath,
			},
			formatFlag(&format),
		}, solverFlags(&solver)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applySolverConfig(cmd, cfg, &solver)
			applyBinsConfig(cmd, cfg, &bins)
			log := logger.FromContext(ctx)

			r, err := recipe.Load(recipePath)
			if err != nil {
				return exitOn("load recipe", err)
			}
			f, err := safetensors.Open(weightsPath)
			if err != nil {
				return exitOn("open weights", err)
			}
			defer func() { _ = f.Close() }()

			p := pipeline{recipe: r, weights: f, bins: bins, solver: solver}
			if calibPath != "" {
				if p.calib, err = calib.Load(calibPath); err != nil {
					return exitOn("load calibration", err)
				}
			}
			log.Info("quantizing", "recipe", recipePath, "layers", len(r.Layers), "mixed_precision", r.MixedPrecision.Enabled)

			res, err := p.run(ctx)
			if err != nil {
				return exitOn("quantize", err)
			}
			if statsPath != "" {
				if err := calib.Save(statsPath, res.stats); err != nil {
					return exitOn("save statistics", err)
				}
			}
			if outputPath != "" {
				out, err := os.Create(outputPath)
				if err != nil {
					return exitOn("create report", err)
				}
				werr := res.report.WriteJSON(out)
				if cerr := out.Close(); werr == nil {
					werr = cerr
				}
				if werr != nil {
					return exitOn("write report", werr)
				}
				log.Info("report written", "path", outputPath, "run", res.report.RunID)
			}
			if format == formatJSON {
				return res.report.WriteJSON(stdout(cmd))
			}
			res.report.WriteTable(stdout(cmd))
			return nil
		},
	}
}
