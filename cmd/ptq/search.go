package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/report"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

func searchCmd() *cli.Command {
	var (
		weightsPath string
		tensors     []string
		method      string
		errorMethod string
		nBits       int
		perChannel  bool
		channelAxis int
		p           float64
		maxIter     int
		format      string
	)

	return &cli.Command{
		Name:  "search",
		Usage: "Search quantization parameters for safetensors weight tensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to .safetensors file",
				Destination: &weightsPath,
				Required:    true,
			},
			&cli.StringSliceFlag{
				Name:        "tensor",
				Aliases:     []string{"t"},
				Usage:       "tensor to search (repeatable, default all)",
				Destination: &tensors,
			},
			&cli.StringFlag{
				Name:        "method",
				Usage:       "quantization method (power_of_two, symmetric, uniform, kmeans, lut)",
				Value:       quant.Symmetric.String(),
				Destination: &method,
			},
			&cli.StringFlag{
				Name:        "error-method",
				Usage:       "error method (noclipping, mse, mae, lp, kl)",
				Value:       quant.MSE.String(),
				Destination: &errorMethod,
			},
			&cli.IntFlag{
				Name:        "bits",
				Aliases:     []string{"b"},
				Usage:       "bit-width",
				Value:       8,
				Destination: &nBits,
			},
			&cli.BoolFlag{
				Name:        "per-channel",
				Usage:       "search one set of parameters per output channel",
				Destination: &perChannel,
			},
			&cli.IntFlag{
				Name:        "channel-axis",
				Usage:       "output-channel axis, negative counts from the last dimension",
				Destination: &channelAxis,
			},
			&cli.FloatFlag{
				Name:        "p",
				Usage:       "norm of the lp error method",
				Value:       qparams.DefaultP,
				Destination: &p,
			},
			&cli.IntFlag{
				Name:        "max-iterations",
				Usage:       "optimizer iteration cap",
				Value:       qparams.DefaultMaxIterations,
				Destination: &maxIter,
			},
			formatFlag(&format),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := quant.ParseMethod(method)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			em, err := quant.ParseErrorMethod(errorMethod)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg := qparams.DefaultConfig()
			cfg.Method = m
			cfg.ErrorMethod = em
			cfg.NBits = nBits
			cfg.PerChannel = perChannel
			cfg.ChannelAxis = channelAxis
			cfg.P = p
			cfg.MaxIterations = maxIter
			// Fail on an unknown pair before touching any tensor.
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if _, err := qparams.LookupWeights(m, em); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			f, err := safetensors.Open(weightsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open weights: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			results, err := searchTensors(ctx, f, tensors, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if format == formatJSON {
				return writeJSON(stdout(cmd), results)
			}
			writeSearchTable(stdout(cmd), f, results)
			return nil
		},
	}
}

// searchTensors runs the search on the named tensors, or on every tensor
// when names is empty, keeping the requested order.
func searchTensors(ctx context.Context, f *safetensors.File, names []string, cfg qparams.Config) (*orderedmap.OrderedMap[string, qparams.Result], error) {
	log := logger.FromContext(ctx)
	if len(names) == 0 {
		names = f.Names()
	}
	out := orderedmap.New[string, qparams.Result]()
	for _, name := range names {
		t, err := f.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		res, err := qparams.Weights(ctx, t, cfg)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		if w := res.Warning(); w != nil {
			log.Warn("search did not converge", "tensor", name, "err", w)
		}
		if len(res.Clamped) > 0 {
			log.Warn("channels clamped to the threshold floor", "tensor", name, "channels", len(res.Clamped))
		}
		log.Debug("tensor searched", "tensor", name, "params", res.Params.Name())
		out.Set(name, res)
	}
	return out, nil
}

func writeSearchTable(w io.Writer, f *safetensors.File, results *orderedmap.OrderedMap[string, qparams.Result]) {
	rows := make([][]string, 0, results.Len())
	for pair := results.Oldest(); pair != nil; pair = pair.Next() {
		info, _ := f.Tensor(pair.Key)
		res := pair.Value
		rows = append(rows, []string{
			pair.Key,
			fmt.Sprint(info.Shape),
			report.DescribeParams(res.Params),
			strconv.FormatBool(res.Converged),
			strconv.Itoa(len(res.Clamped)),
		})
	}
	report.Table(w, []string{"TENSOR", "SHAPE", "PARAMS", "CONVERGED", "CLAMPED"}, rows)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// exitOn wraps err for the CLI unless it is already an exit error.
func exitOn(prefix string, err error) error {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return err
	}
	return cli.Exit(fmt.Sprintf("error: %s: %v", prefix, err), 1)
}
