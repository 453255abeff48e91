package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/history"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/transport"
	"chunkvault/pkg/types"
	"chunkvault/pkg/wire"
)

// Server 应答客户端发起的会话
type Server struct {
	repo Repo
	opts Options
}

func NewServer(repo Repo, opts Options) *Server {
	return &Server{repo: repo, opts: opts.withDefaults()}
}

// Serve 处理一个会话，结束时关闭 ch
func (s *Server) Serve(ctx context.Context, ch transport.Channel) (err error) {
	if s.opts.Timeout > 0 {
		ch = transport.WithTimeout(ch, s.opts.Timeout)
	}
	defer ch.Close()
	conn := wire.NewConn(ch, s.opts.MaxFrameSize)

	// 1. 握手：先读客户端的 Hello
	var hello wire.Hello
	if err := conn.Recv(wire.FrameHello, &hello); err != nil {
		return err
	}
	sess := newSession(hello.Session, hello.Op, s.opts.Logger)
	sess.want = hello.Want
	res := &Result{Op: hello.Op, Attempts: 1}
	defer func() {
		if err != nil {
			report(conn, err)
			err = sess.fail(err)
		}
		res.absorb(conn, sess)
		sess.logger.Info("session finished",
			slog.String("state", res.State.String()),
			slog.Int("sent", res.ObjectsSent),
			slog.Int("received", res.ObjectsReceived),
			slog.Int64("bytes_in", res.BytesReceived),
			slog.Int64("bytes_out", res.BytesSent))
	}()

	if err := s.repo.checkHello(hello, sess.logger); err != nil {
		return err
	}
	advertised, err := s.advertise(ctx, hello.Want)
	if err != nil {
		return err
	}
	reply := s.repo.hello(hello.Op, sess.ID)
	reply.Refs = advertised
	if err := conn.Send(wire.FrameHello, &reply); err != nil {
		return err
	}

	// 2. 协商、传输、完成
	switch hello.Op {
	case wire.OpFetch:
		err = s.serveFetch(ctx, conn, sess, advertised, res)
	case wire.OpPush:
		err = s.servePush(ctx, conn, sess, res)
	default:
		err = fault.Fatal(fault.NegotiationFailure, "remote.serve", fmt.Errorf("unknown op %q", hello.Op))
	}
	if err != nil {
		return err
	}
	sess.advance(StateComplete)
	return nil
}

// advertise 列出客户端关心的分支。fetch 请求不存在的分支时报 NotFound；
// push 时不存在的分支只是被省略 (将被新建)。
func (s *Server) advertise(ctx context.Context, want []string) ([]wire.Ref, error) {
	all, err := s.repo.Refs.List(ctx, refs.HeadsPrefix)
	if err != nil {
		return nil, err
	}
	if len(want) == 0 {
		out := make([]wire.Ref, len(all))
		for i, r := range all {
			out[i] = wire.Ref{Name: r.Name, ID: r.ID}
		}
		return out, nil
	}
	byName := make(map[string]types.Hash, len(all))
	for _, r := range all {
		byName[r.Name] = r.ID
	}
	out := make([]wire.Ref, 0, len(want))
	for _, b := range want {
		name := refs.Branch(b)
		if err := refs.ValidateName(name); err != nil {
			return nil, fault.Fatal(fault.NegotiationFailure, "remote.serve", err)
		}
		if id, ok := byName[name]; ok {
			out = append(out, wire.Ref{Name: name, ID: id})
		}
	}
	return out, nil
}

func (s *Server) serveFetch(ctx context.Context, conn *wire.Conn, sess *Session, advertised []wire.Ref, res *Result) error {
	if len(advertised) < len(sess.want) {
		have := make(map[string]bool, len(advertised))
		for _, r := range advertised {
			have[r.Name] = true
		}
		for _, b := range sess.want {
			if !have[refs.Branch(b)] {
				return fault.Newf(fault.NotFound, "remote.fetch", "remote branch %q not found", b)
			}
		}
	}

	heads := make([]types.Hash, len(advertised))
	for i, r := range advertised {
		heads[i] = r.ID
	}
	snd := newSender(conn, s.repo.Store, s.repo.Alg, s.opts.Retries, sess, res)
	if err := snd.run(ctx, heads); err != nil {
		return err
	}
	return conn.Recv(wire.FrameDone, nil)
}

func (s *Server) servePush(ctx context.Context, conn *wire.Conn, sess *Session, res *Result) error {
	rcv := newReceiver(conn, s.repo.Store, s.repo.Alg, sess, res)
	if err := rcv.run(ctx); err != nil {
		return err
	}

	var update wire.RefUpdate
	if err := conn.Recv(wire.FrameRefUpdate, &update); err != nil {
		return err
	}
	result := wire.RefResult{Results: make([]wire.RefStatus, 0, len(update.Changes))}
	for _, change := range update.Changes {
		st, err := s.apply(ctx, change)
		if err != nil {
			return err
		}
		if st.OK {
			res.Updated = append(res.Updated, st.Name)
		} else {
			res.Rejected = append(res.Rejected, st.Name+": "+st.Reason)
			sess.logger.Warn("ref update rejected", slog.String("ref", st.Name), slog.String("reason", st.Reason))
		}
		result.Results = append(result.Results, st)
	}
	if err := conn.Send(wire.FrameRefResult, &result); err != nil {
		return err
	}
	return conn.Recv(wire.FrameDone, nil)
}

// apply 以快进加比较交换的方式更新一个分支
func (s *Server) apply(ctx context.Context, change wire.RefChange) (wire.RefStatus, error) {
	st := wire.RefStatus{Name: change.Name}
	reject := func(reason string) (wire.RefStatus, error) {
		st.Reason = reason
		return st, nil
	}

	if !strings.HasPrefix(change.Name, refs.HeadsPrefix) || refs.ValidateName(change.Name) != nil {
		return reject("not a branch")
	}
	ok, err := s.repo.Store.Has(ctx, change.New)
	if err != nil {
		return st, err
	}
	if !ok {
		return reject("commit " + change.New.Short() + " is missing")
	}

	cur, err := s.repo.Refs.Get(ctx, change.Name)
	if err != nil && !errors.Is(err, fault.NotFound) {
		return st, err
	}
	if cur != change.Old {
		return reject("stale: remote moved")
	}
	if cur == change.New {
		st.OK = true
		return st, nil
	}
	ff, err := history.IsAncestor(ctx, s.repo.Store, s.repo.Alg, cur, change.New)
	if err != nil {
		return st, err
	}
	if !ff {
		return reject("non-fast-forward")
	}
	if err := s.repo.Refs.CompareAndSwap(ctx, change.Name, cur, change.New); err != nil {
		if errors.Is(err, refs.ErrStale) {
			return reject("stale: remote moved")
		}
		return st, err
	}
	s.repo.received(ctx, change.Name, change.New)
	st.OK = true
	return st, nil
}
