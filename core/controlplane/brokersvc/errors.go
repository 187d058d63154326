package brokersvc

import (
	"context"
	"errors"
	"strings"

	"github.com/cordum/crossctx/core/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{model.ErrInvalidRequest, codes.InvalidArgument},
	{model.ErrNotFound, codes.NotFound},
	{model.ErrPermissionDenied, codes.PermissionDenied},
	{model.ErrRequestExpired, codes.DeadlineExceeded},
	{model.ErrAuditWriteFailed, codes.Internal},
	{model.ErrRetrievalFailed, codes.Unavailable},
	{model.ErrEmbeddingUnavailable, codes.Unavailable},
	{model.ErrIndexUnavailable, codes.Unavailable},
}

// toStatus maps a broker error to a gRPC status. The message keeps the
// sentinel text so the client can restore it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return status.Error(ec.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// remoteError carries a server message while unwrapping to the sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// fromStatus restores broker sentinels from a gRPC error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, ec := range errorCodes {
		if st.Code() == ec.code && strings.HasPrefix(msg, ec.err.Error()) {
			return &remoteError{sentinel: ec.err, msg: msg}
		}
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &remoteError{sentinel: model.ErrInvalidRequest, msg: msg}
	case codes.NotFound:
		return &remoteError{sentinel: model.ErrNotFound, msg: msg}
	case codes.PermissionDenied:
		return &remoteError{sentinel: model.ErrPermissionDenied, msg: msg}
	case codes.Canceled:
		return &remoteError{sentinel: context.Canceled, msg: msg}
	}
	return err
}
