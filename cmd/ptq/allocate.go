package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/report"
	"github.com/samcharles93/ptq/pkg/mixedprecision"
)

func allocateCmd() *cli.Command {
	var (
		problemPath string
		format      string
		solver      solverOptions
	)

	return &cli.Command{
		Name:  "allocate",
		Usage: "Solve a bit-width allocation problem given as JSON (nodes, scores, budget)",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "problem",
				Aliases:     []string{"p"},
				Usage:       "path to the problem JSON, - for stdin",
				Value:       "-",
				Destination: &problemPath,
			},
			formatFlag(&format),
		}, solverFlags(&solver)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySolverConfig(cmd, LoadConfig(), &solver)

			var r io.Reader = os.Stdin
			if root := cmd.Root().Reader; root != nil {
				r = root
			}
			if problemPath != "-" {
				f, err := os.Open(problemPath)
				if err != nil {
					return exitOn("open problem", err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			var p mixedprecision.Problem
			if err := json.NewDecoder(r).Decode(&p); err != nil {
				return exitOn("decode problem", err)
			}

			res, err := mixedprecision.SolveProblem(ctx, p, mixedprecision.Options{
				Workers:       solver.workers,
				MaxIterations: solver.maxIterations,
				Timeout:       solver.timeout,
			})
			if errors.Is(err, mixedprecision.ErrSearchIncomplete) {
				logger.FromContext(ctx).Warn("search stopped early, reporting the best assignment found", "err", err)
			} else if err != nil {
				return exitOn("allocate", err)
			}

			if format == formatJSON {
				return writeJSON(stdout(cmd), res)
			}
			writeAllocationTable(stdout(cmd), p, res)
			return nil
		},
	}
}

func writeAllocationTable(w io.Writer, p mixedprecision.Problem, res mixedprecision.Result) {
	rows := make([][]string, 0, len(p.Nodes))
	for i, n := range p.Nodes {
		if i >= len(res.Assignment) {
			break
		}
		c := n.Candidates[res.Assignment[i]]
		rows = append(rows, []string{n.Name, strconv.Itoa(c.Bits), report.FormatBytes(c.Cost)})
	}
	report.Table(w, []string{"NODE", "BITS", "COST"}, rows)

	budget := "unconstrained"
	if p.Budget != nil {
		budget = report.FormatBytes(*p.Budget)
	}
	_, _ = fmt.Fprintf(w, "\ncost %s of %s, sensitivity %.4g, %d states expanded",
		report.FormatBytes(res.Cost), budget, res.Sensitivity, res.Counters.Expanded)
	if !res.Optimal {
		_, _ = fmt.Fprint(w, " (search stopped early)")
	}
	_, _ = fmt.Fprintln(w)
}
