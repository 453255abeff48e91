// Package grpcx 把同步协议的字节流承载在一个双向流式 gRPC 调用上。
//
// 服务只有一个方法 Session，两个方向的消息都是 google.protobuf.BytesValue，
// 内容就是协议帧的字节。
package grpcx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/server"
	"chunkvault/pkg/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "chunkvault.sync.v1.Sync"
	sessionMethod = "/" + ServiceName + "/Session"

	// maxMessage 限制单条 gRPC 消息的大小，大帧会被拆成多条
	maxMessage = 1 << 20
)

// Handler 处理一个会话；返回时会话结束
type Handler func(ctx context.Context, ch transport.Channel) error

type syncServer interface {
	session(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*syncServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "chunkvault/sync.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(syncServer).session(stream)
}

type service struct {
	handle Handler
}

func (s *service) session(stream grpc.ServerStream) error {
	ch := &streamChannel{stream: stream}
	if err := s.handle(stream.Context(), ch); err != nil {
		return server.ToStatus(err)
	}
	return nil
}

// Register 在 gRPC 服务上注册同步服务
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, &service{handle: h})
}

// NewServer 创建带日志和 panic 恢复拦截器的 gRPC 服务并注册 h
func NewServer(h Handler, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.ChainStreamInterceptor(server.StreamRecoveryInterceptor, server.StreamLoggingInterceptor),
		grpc.ChainUnaryInterceptor(server.UnaryRecoveryInterceptor, server.UnaryLoggingInterceptor),
		grpc.MaxRecvMsgSize(2 * maxMessage),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	s := grpc.NewServer(append(base, opts...)...)
	Register(s, h)
	return s
}

// DialOptions 是客户端的默认选项
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(2 * maxMessage)),
		// 保持连接活跃
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// Dial 连接 target 并打开一个会话流
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (transport.Channel, error) {
	conn, err := grpc.NewClient(target, append(DialOptions(), opts...)...)
	if err != nil {
		// 这里通常只是配置错误 (如地址格式不对)，网络不通不会在这里报错
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(sctx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fromStatus("grpcx.dial", err)
	}
	slog.Debug("grpc session opened", slog.String("target", target))
	return &streamChannel{
		stream: stream,
		closeFn: func() error {
			_ = stream.CloseSend()
			cancel()
			return conn.Close()
		},
	}, nil
}

// stream 是 grpc.ClientStream 和 grpc.ServerStream 的公共部分
type stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamChannel 把 gRPC 流包装为 io.ReadWriteCloser
type streamChannel struct {
	stream  stream
	buf     []byte // 从 RecvMsg 拿到、还没被 Read 读走的数据
	err     error
	closeFn func() error
}

// Read 是一个典型的“缓冲-消费”状态机
func (c *streamChannel) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	for len(c.buf) == 0 {
		m := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(m); err != nil {
			if err == io.EOF {
				c.err = io.EOF
			} else {
				c.err = fromStatus("grpcx.read", err)
			}
			return 0, c.err
		}
		c.buf = m.GetValue()
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write 每 maxMessage 字节发送一条消息；SendMsg 返回前已经完成序列化
func (c *streamChannel) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+maxMessage, len(p))
		if err := c.stream.SendMsg(wrapperspb.Bytes(p[written:end])); err != nil {
			return written, fromStatus("grpcx.write", err)
		}
		written = end
	}
	return written, nil
}

func (c *streamChannel) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// fromStatus 把 gRPC 状态还原成带类别的错误
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fault.Wrap(fault.IOError, op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fault.New(fault.IOError, op, err)
	}
	return fault.New(server.KindFromCode(st.Code()), op, err)
}
