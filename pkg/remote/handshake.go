package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
	"chunkvault/pkg/wire"
)

// ErrRejected 表示 push 的部分引用更新被远端拒绝
var ErrRejected = errors.New("reference update rejected")

// Repo 是会话一端的仓库
type Repo struct {
	Store   storage.Store
	Alg     digest.Algorithm
	Chunker chunker.Params
	Refs    *refs.Manager

	// OnReceive 在从对端收到的引用生效后调用，可为 nil
	OnReceive func(ctx context.Context, name string, id types.Hash)
}

func (r Repo) received(ctx context.Context, name string, id types.Hash) {
	if r.OnReceive != nil {
		r.OnReceive(ctx, name, id)
	}
}

// Options 控制会话的传输行为
type Options struct {
	Retries      int           // 重传和重连的次数上限
	Timeout      time.Duration // 单次读写的超时，0 表示不限
	MaxFrameSize int
	Logger       *slog.Logger
}

// DefaultRetries 是未配置时的重试次数
const DefaultRetries = 3

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (r Repo) hello(op wire.Op, session string) wire.Hello {
	return wire.Hello{
		Version:   wire.Version,
		Algorithm: r.Alg.String(),
		Chunker: wire.ChunkerInfo{
			Method:  string(r.Chunker.Method),
			MinSize: r.Chunker.MinSize,
			AvgSize: r.Chunker.AvgSize,
			MaxSize: r.Chunker.MaxSize,
		},
		Op:      op,
		Session: session,
	}
}

// checkHello 在任何传输之前检查双方是否兼容
func (r Repo) checkHello(peer wire.Hello, logger *slog.Logger) error {
	if peer.Version != wire.Version {
		return fault.Fatal(fault.NegotiationFailure, "remote.handshake",
			fmt.Errorf("protocol version %d, peer speaks %d", wire.Version, peer.Version))
	}
	if peer.Algorithm != r.Alg.String() {
		return fault.Newf(fault.AlgorithmMismatch, "remote.handshake",
			"local repository uses %s, peer uses %s", r.Alg, peer.Algorithm)
	}
	// 切分参数不同只影响去重率
	if peer.Chunker.Method != string(r.Chunker.Method) || peer.Chunker.AvgSize != r.Chunker.AvgSize {
		logger.Info("peer uses different chunker params",
			slog.String("method", peer.Chunker.Method),
			slog.Int("avg_size", peer.Chunker.AvgSize))
	}
	return nil
}

// fromPeer 报告错误是否来自对端的 Error 帧
func fromPeer(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Op == "remote"
}

// reportWait 是等待 Error 帧写出的上限；对端可能正忙于写而不读
const reportWait = time.Second

// report 尽力把本地错误告诉对端。对端发来的错误、连接错误和取消不再回传。
// 调用方随后关闭连接，未完成的写入随之返回。
func report(conn *wire.Conn, err error) {
	if err == nil || fromPeer(err) || fault.KindOf(err) == fault.IOError ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SendError(err)
	}()
	select {
	case <-done:
	case <-time.After(reportWait):
	}
}
