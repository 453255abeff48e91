package server

import (
	"context"
	"errors"

	"chunkvault/pkg/fault"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[fault.Kind]codes.Code{
	fault.Internal:           codes.Internal,
	fault.IOError:            codes.Unavailable,
	fault.DigestMismatch:     codes.DataLoss,
	fault.NotFound:           codes.NotFound,
	fault.AlgorithmMismatch:  codes.FailedPrecondition,
	fault.NegotiationFailure: codes.Aborted,
	fault.CapacityExceeded:   codes.ResourceExhausted,
	fault.Collision:          codes.AlreadyExists,
}

// ToStatus 把分类错误转换为 gRPC 状态
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(kindCodes[fault.KindOf(err)], err.Error())
}

// KindFromCode 是 ToStatus 的逆映射；未知状态码视为 Internal
func KindFromCode(c codes.Code) fault.Kind {
	for k, v := range kindCodes {
		if v == c {
			return k
		}
	}
	if c == codes.Unavailable || c == codes.DeadlineExceeded || c == codes.Canceled {
		return fault.IOError
	}
	return fault.Internal
}
