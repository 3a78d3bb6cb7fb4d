package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/ptq/internal/report"
	"github.com/samcharles93/ptq/internal/safetensors"
)

// tensorSummary is one inspect row.
type tensorSummary struct {
	Name   string   `json:"name"`
	DType  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Bytes  int64    `json:"bytes"`
	AbsMax *float64 `json:"abs_max,omitempty"`
	Signed *bool    `json:"signed,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		weightsPath string
		filter      string
		format      string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a safetensors file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to .safetensors file",
				Destination: &weightsPath,
				Required:    true,
			},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor names", Destination: &filter},
			formatFlag(&format),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(weightsPath)
			if err != nil {
				return exitOn("open weights", err)
			}
			defer func() { _ = f.Close() }()

			rows, err := summarize(f, filter)
			if err != nil {
				return exitOn("inspect", err)
			}
			if format == formatJSON {
				return writeJSON(stdout(cmd), map[string]any{
					"metadata": f.Metadata,
					"tensors":  rows,
				})
			}
			writeInspectTable(stdout(cmd), f, rows)
			return nil
		},
	}
}

// summarize reads every matching tensor. Tensors of a dtype that cannot be
// decoded are listed without value statistics.
func summarize(f *safetensors.File, filter string) ([]tensorSummary, error) {
	var out []tensorSummary
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		info, _ := f.Tensor(name)
		s := tensorSummary{Name: name, DType: info.DType, Shape: info.Shape, Bytes: info.End - info.Start}
		t, err := f.ReadTensor(name)
		switch {
		case errors.Is(err, safetensors.ErrUnsupportedDType):
		case err != nil:
			return nil, err
		case len(t.Data) > 0:
			lo, hi := floats.Min(t.Data), floats.Max(t.Data)
			absMax := max(-lo, hi)
			signed := lo < 0
			s.AbsMax, s.Signed = &absMax, &signed
		}
		out = append(out, s)
	}
	return out, nil
}

func writeInspectTable(w io.Writer, f *safetensors.File, rows []tensorSummary) {
	cells := make([][]string, 0, len(rows))
	var total int64
	for _, r := range rows {
		absMax, signed := "-", "-"
		if r.AbsMax != nil {
			absMax = strconv.FormatFloat(*r.AbsMax, 'g', 6, 64)
			signed = strconv.FormatBool(*r.Signed)
		}
		cells = append(cells, []string{r.Name, r.DType, fmt.Sprint(r.Shape), report.FormatBytes(float64(r.Bytes)), absMax, signed})
		total += r.Bytes
	}
	report.Table(w, []string{"TENSOR", "DTYPE", "SHAPE", "SIZE", "ABS MAX", "SIGNED"}, cells)
	_, _ = fmt.Fprintf(w, "\n%d of %d tensors, %s\n", len(rows), len(f.Tensors), report.FormatBytes(float64(total)))
}
