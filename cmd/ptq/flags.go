package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// solverOptions are the work bounds shared by quantize, allocate and serve.
type solverOptions struct {
	workers       int
	maxIterations int
	timeout       time.Duration
}

func solverFlags(o *solverOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent searches and evaluator calls (0 = one per node)",
			Destination: &o.workers,
		},
		&cli.IntFlag{
			Name:        "max-iterations",
			Usage:       "cap on solver states (0 = default)",
			Destination: &o.maxIterations,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "solver wall-time cutoff (0 = none)",
			Destination: &o.timeout,
		},
	}
}

// applySolverConfig fills solver options from the config file when the
// matching flag was not set.
func applySolverConfig(c *cli.Command, cfg Config, o *solverOptions) {
	if cfg.Workers != nil && !c.IsSet("workers") {
		o.workers = *cfg.Workers
	}
	if cfg.MaxIterations != nil && !c.IsSet("max-iterations") {
		o.maxIterations = *cfg.MaxIterations
	}
	if cfg.Timeout != nil && !c.IsSet("timeout") {
		o.timeout = *cfg.Timeout
	}
}

const (
	formatTable = "table"
	formatJSON  = "json"
)

func formatFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "format",
		Aliases:     []string{"f"},
		Usage:       "output format (table, json)",
		Value:       formatTable,
		Destination: dest,
		Validator: func(s string) error {
			if s != formatTable && s != formatJSON {
				return fmt.Errorf("unknown format %q (want table or json)", s)
			}
			return nil
		},
	}
}
