package grpcserver

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"carledger/domain/inventory"
	"carledger/service"
)

// toStatus maps ledger errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, service.ErrHalted):
		code = codes.Unavailable
	case errors.Is(err, inventory.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, inventory.ErrCarAlreadySold):
		code = codes.FailedPrecondition
	case errors.Is(err, inventory.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(err, inventory.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, inventory.ErrCorruptRecord):
		code = codes.DataLoss
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a status returned by the server back into an error that
// matches the ledger's error kinds.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.Wrap(inventory.ErrNotFound, st.Message())
	case codes.AlreadyExists, codes.FailedPrecondition:
		return errors.Wrap(inventory.ErrConflict, st.Message())
	case codes.InvalidArgument:
		return errors.Wrap(inventory.ErrInvalidArgument, st.Message())
	case codes.DataLoss:
		return errors.Wrap(inventory.ErrCorruptRecord, st.Message())
	case codes.Unavailable:
		return errors.Wrap(service.ErrHalted, st.Message())
	default:
		return err
	}
}
