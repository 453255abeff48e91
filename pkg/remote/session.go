// Package remote 实现仓库之间的同步协议：握手、协商、传输、校验、完成。
//
// 发送方 (fetch 时是服务端，push 时是客户端) 驱动协商和传输；
// 接收方回答缺失的对象、校验每个对象的摘要并写入本地存储。
package remote

import (
	"fmt"
	"log/slog"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/wire"

	"github.com/google/uuid"
)

// State 是会话状态机的状态
type State uint8

const (
	StateIdle State = iota
	StateNegotiating
	StateTransferring
	StateVerifying
	StateComplete
	StateFailed
)

var stateNames = [...]string{"idle", "negotiating", "transferring", "verifying", "complete", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal 报告状态是否是终态
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

var transitions = map[State]State{
	StateIdle:         StateNegotiating,
	StateNegotiating:  StateTransferring,
	StateTransferring: StateVerifying,
	StateVerifying:    StateComplete,
}

// Session 跟踪一次同步会话的状态
type Session struct {
	ID        string
	Op        wire.Op
	want      []string // 客户端请求的分支
	state     State
	retryable bool
	logger    *slog.Logger
}

func newSession(id string, op wire.Op, logger *slog.Logger) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:     id,
		Op:     op,
		logger: logger.With(slog.String("session", id), slog.String("op", string(op))),
	}
}

func (s *Session) State() State { return s.state }

// Retryable 报告失败的会话是否值得重新开始
func (s *Session) Retryable() bool { return s.retryable }

// advance 进入下一个状态。非法的转换是程序错误。
func (s *Session) advance(to State) {
	if next, ok := transitions[s.state]; !ok || next != to {
		panic(fmt.Sprintf("remote: illegal session transition %s -> %s", s.state, to))
	}
	s.logger.Debug("session state", slog.String("from", s.state.String()), slog.String("to", to.String()))
	s.state = to
}

// fail 把会话标记为失败并原样返回 err；终态会话不再改变
func (s *Session) fail(err error) error {
	if err == nil || s.state.Terminal() {
		return err
	}
	s.retryable = fault.IsRetryable(err)
	s.logger.Warn("session failed",
		slog.String("state", s.state.String()),
		slog.Bool("retryable", s.retryable),
		slog.String("err", err.Error()))
	s.state = StateFailed
	return err
}

// Result 汇总一次同步操作；失败时也会返回，其中是已经完成的部分
type Result struct {
	Op       wire.Op
	Session  string
	State    State
	Attempts int

	ObjectsSent     int
	ObjectsReceived int
	BytesSent       int64
	BytesReceived   int64

	Updated  []string // 更新成功的引用
	Rejected []string // 被拒绝的引用更新 (name: reason)
	Diverged []string // pull 时无法快进的分支
}

// UpToDate 报告这次操作是否没有传输任何对象
func (r *Result) UpToDate() bool {
	return r.ObjectsSent == 0 && r.ObjectsReceived == 0
}

func (r *Result) absorb(conn *wire.Conn, sess *Session) {
	r.Session = sess.ID
	r.State = sess.state
	r.BytesSent += conn.BytesSent()
	r.BytesReceived += conn.BytesReceived()
}
