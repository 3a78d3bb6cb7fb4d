package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/api"
	"github.com/samcharles93/ptq/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		bodyLimit   int64
		solver      solverOptions
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API (thresholds and allocations)",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "body-limit",
				Usage:       "maximum request body size in bytes",
				Value:       api.DefaultBodyLimit,
				Destination: &bodyLimit,
			},
		}, solverFlags(&solver)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr)
			applySolverConfig(cmd, cfg, &solver)
			log := logger.FromContext(ctx)

			server := api.NewServer(api.NewAllocationStore(), api.Options{
				MaxIterations: solver.maxIterations,
				Timeout:       solver.timeout,
				BodyLimit:     bodyLimit,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
				return func(c *echo.Context) error {
					r := c.Request()
					c.SetRequest(r.WithContext(logger.WithContext(r.Context(), log)))
					return next(c)
				}
			})
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
