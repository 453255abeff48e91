package server

import (
	"context"
	"errors"
	"testing"

	"chunkvault/pkg/fault"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus_RoundTrip(t *testing.T) {
	for kind, code := range kindCodes {
		err := ToStatus(fault.Newf(kind, "op", "boom"))
		assert.Equal(t, code, status.Code(err), kind.String())
		assert.Equal(t, kind, KindFromCode(code), kind.String())
	}
}

func TestToStatus_Special(t *testing.T) {
	assert.NoError(t, ToStatus(nil))
	assert.Equal(t, codes.Canceled, status.Code(ToStatus(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(ToStatus(errors.New("plain"))))

	// 已经是状态错误的保持不变
	orig := status.Error(codes.PermissionDenied, "no")
	assert.Equal(t, orig, ToStatus(orig))

	assert.Equal(t, fault.IOError, KindFromCode(codes.DeadlineExceeded))
	assert.Equal(t, fault.Internal, KindFromCode(codes.Unimplemented))
}
