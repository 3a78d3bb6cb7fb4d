package api

import (
	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ThresholdRequest asks for the quantization parameters of one weights
// tensor. A missing shape treats data as a vector; other omitted fields take
// the 8-bit symmetric MSE defaults.
type ThresholdRequest struct {
	Shape         []int              `json:"shape,omitempty"`
	Data          []float64          `json:"data"`
	Method        *quant.Method      `json:"method,omitempty"`
	ErrorMethod   *quant.ErrorMethod `json:"error_method,omitempty"`
	NBits         int                `json:"n_bits,omitempty"`
	PerChannel    bool               `json:"per_channel,omitempty"`
	ChannelAxis   *int               `json:"channel_axis,omitempty"`
	P             float64            `json:"p,omitempty"`
	MaxIterations int                `json:"max_iterations,omitempty"`
}

func (r ThresholdRequest) tensor() (quant.Tensor, error) {
	if len(r.Data) == 0 {
		return quant.Tensor{}, newInvalidRequest("data is required")
	}
	if r.Shape == nil {
		return quant.Vector(r.Data), nil
	}
	return quant.NewTensor(r.Shape, r.Data)
}

func (r ThresholdRequest) config() qparams.Config {
	cfg := qparams.DefaultConfig()
	if r.Method != nil {
		cfg.Method = *r.Method
	}
	if r.ErrorMethod != nil {
		cfg.ErrorMethod = *r.ErrorMethod
	}
	cfg.PerChannel = r.PerChannel
	if r.NBits != 0 {
		cfg.NBits = r.NBits
	}
	if r.ChannelAxis != nil {
		cfg.ChannelAxis = *r.ChannelAxis
	}
	if r.P != 0 {
		cfg.P = r.P
	}
	if r.MaxIterations != 0 {
		cfg.MaxIterations = r.MaxIterations
	}
	return cfg
}

type ThresholdResponse struct {
	Object string `json:"object"`
	qparams.Result
	Warning string `json:"warning,omitempty"`
}

// AllocationRequest is a scored allocation problem plus optional solver
// bounds. Timeout is in milliseconds.
type AllocationRequest struct {
	mixedprecision.Problem
	MaxIterations int `json:"max_iterations,omitempty"`
	TimeoutMS     int `json:"timeout_ms,omitempty"`
}

type Allocation struct {
	ID        string                `json:"id"`
	Object    string                `json:"object"`
	CreatedAt int64                 `json:"created_at"`
	Nodes     []string              `json:"nodes"`
	Result    mixedprecision.Result `json:"result"`
	Warning   string                `json:"warning,omitempty"`
}

type AllocationList struct {
	Object string       `json:"object"`
	Data   []Allocation `json:"data"`
}

type DeleteAllocationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
