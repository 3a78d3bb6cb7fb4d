// Package api serves threshold searches and mixed-precision allocations over
// HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/qparams"
)

// DefaultBodyLimit caps request bodies.
const DefaultBodyLimit = 64 << 20

// Options bound the work a single request may ask for.
type Options struct {
	// MaxIterations caps both the threshold optimizer and the allocation
	// solver. Requests may lower it but not raise it.
	MaxIterations int
	// Timeout caps the solver's wall time per request.
	Timeout   time.Duration
	BodyLimit int64
}

type Server struct {
	store *AllocationStore
	opts  Options
	clock func() time.Time
}

func NewServer(store *AllocationStore, opts Options) *Server {
	if store == nil {
		store = NewAllocationStore()
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	return &Server{
		store: store,
		opts:  opts,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/methods", s.handleMethods)
	e.POST("/v1/thresholds", s.handleThresholds)

	e.POST("/v1/allocations", s.handleCreateAllocation)
	e.GET("/v1/allocations", s.handleListAllocations)
	e.GET("/v1/allocations/:id", s.handleGetAllocation)
	e.DELETE("/v1/allocations/:id", s.handleDeleteAllocation)
}

// capped returns the smaller positive bound, treating zero as unset.
func capped[T int | time.Duration](req, limit T) T {
	if limit > 0 && (req <= 0 || req > limit) {
		return limit
	}
	return req
}

type methodEntry struct {
	Method      string `json:"method"`
	ErrorMethod string `json:"error_method"`
	Weights     bool   `json:"weights"`
	Activation  bool   `json:"activation"`
}

func (s *Server) handleMethods(c *echo.Context) error {
	keys := qparams.Keys()
	out := make([]methodEntry, 0, len(keys))
	for _, k := range keys {
		st, err := qparams.Lookup(k.Method, k.ErrorMethod)
		if err != nil {
			return writeFailure(c, err)
		}
		out = append(out, methodEntry{
			Method:      k.Method.String(),
			ErrorMethod: k.ErrorMethod.String(),
			Weights:     st.Weights != nil,
			Activation:  st.Activation != nil,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleThresholds(c *echo.Context) error {
	req, err := decodeJSON[ThresholdRequest](c.Request().Body, s.opts.BodyLimit)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	t, err := req.tensor()
	if err != nil {
		return writeFailure(c, err)
	}
	cfg := req.config()
	cfg.MaxIterations = capped(cfg.MaxIterations, s.opts.MaxIterations)

	ctx := c.Request().Context()
	res, err := qparams.Weights(ctx, t, cfg)
	if err != nil {
		return writeFailure(c, err)
	}
	resp := ThresholdResponse{Object: "threshold", Result: res}
	if w := res.Warning(); w != nil {
		resp.Warning = w.Error()
		logger.FromContext(ctx).Warn("threshold search incomplete", "method", cfg.Method, "error_method", cfg.ErrorMethod, "error", w)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateAllocation(c *echo.Context) error {
	req, err := decodeJSON[AllocationRequest](c.Request().Body, s.opts.BodyLimit)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Nodes) == 0 {
		return writeBadRequest(c, "nodes are required")
	}
	opts := mixedprecision.Options{
		MaxIterations: capped(req.MaxIterations, s.opts.MaxIterations),
		Timeout:       capped(time.Duration(req.TimeoutMS)*time.Millisecond, s.opts.Timeout),
	}

	ctx := c.Request().Context()
	res, err := mixedprecision.SolveProblem(ctx, req.Problem, opts)
	var warning string
	switch {
	case errors.Is(err, mixedprecision.ErrSearchIncomplete):
		warning = err.Error()
		logger.FromContext(ctx).Warn("allocation search incomplete", "nodes", len(req.Nodes), "expanded", res.Counters.Expanded)
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		return writeFailure(c, err)
	}

	names := make([]string, len(req.Nodes))
	for i, n := range req.Nodes {
		names[i] = n.Name
	}
	a := s.store.Create(names, res, warning, s.clock())
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) handleListAllocations(c *echo.Context) error {
	return c.JSON(http.StatusOK, AllocationList{Object: "list", Data: s.store.List()})
}

func (s *Server) handleGetAllocation(c *echo.Context) error {
	id := c.Param("id")
	a, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "allocation not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleDeleteAllocation(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "allocation not found")
	}
	return c.JSON(http.StatusOK, DeleteAllocationResp{
		ID:      id,
		Object:  "allocation.deleted",
		Deleted: true,
	})
}
