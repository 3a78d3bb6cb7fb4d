package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a library error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, quant.ErrInvalidInput),
		errors.Is(err, quant.ErrUnknownMethod),
		errors.Is(err, qparams.ErrInvalidConfig),
		errors.Is(err, qparams.ErrUnsupported),
		errors.Is(err, mixedprecision.ErrInvalidInput),
		errors.Is(err, mixedprecision.ErrEmptyCandidates):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, quant.ErrDegenerate),
		errors.Is(err, mixedprecision.ErrInfeasibleBudget):
		return http.StatusUnprocessableEntity, "unprocessable_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	}
	return http.StatusInternalServerError, "server_error"
}
