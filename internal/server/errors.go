package server

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"CurvePool/internal/ledger"
	"CurvePool/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps an error to a gRPC status. Engine failures map by kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, auth.ErrMissingSignature), errors.Is(err, auth.ErrBadSignature):
		return codes.Unauthenticated
	case errors.Is(err, auth.ErrCallerMismatch):
		return codes.PermissionDenied
	case errors.Is(err, command.ErrInvalid):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch core.KindOf(err) {
	case core.KindAccessDenied:
		return codes.PermissionDenied
	case core.KindPoolState:
		if errors.Is(err, ledger.ErrPoolNotFound) {
			return codes.NotFound
		}
		return codes.FailedPrecondition
	case core.KindBounds:
		return codes.OutOfRange
	case core.KindInsolvency:
		return codes.FailedPrecondition
	case core.KindArithmetic, core.KindConfig:
		return codes.InvalidArgument
	case core.KindTransfer, core.KindReentrancy:
		return codes.Aborted
	case core.KindPricing:
		return codes.Unavailable
	}
	return codes.Internal
}
