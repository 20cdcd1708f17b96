package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/transferbroker/internal/common"
)

// toStatus maps service errors onto gRPC status codes. Unknown errors are
// reported as Internal without their text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, common.ErrCancelled):
		code = codes.Canceled
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrChecksumMismatch):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrConflict), errors.Is(err, common.ErrAlreadyProcessed):
		code = codes.AlreadyExists
	case errors.Is(err, common.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, common.ErrInvalidToken):
		code = codes.Unauthenticated
	case errors.Is(err, common.ErrTransientStorage):
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
