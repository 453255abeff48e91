package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/history"
	"chunkvault/pkg/refs"
	"chunkvault/pkg/transport"
	"chunkvault/pkg/types"
	"chunkvault/pkg/wire"
)

// Dialer 为每次尝试打开一条新的连接
type Dialer func(ctx context.Context) (transport.Channel, error)

// Client 是同步会话的发起方
type Client struct {
	repo   Repo
	remote string // 远端名字，例如 origin
	dial   Dialer
	opts   Options
}

func NewClient(repo Repo, remote string, dial Dialer, opts Options) *Client {
	return &Client{repo: repo, remote: remote, dial: dial, opts: opts.withDefaults()}
}

// body 是会话在握手之后的部分
type body func(ctx context.Context, conn *wire.Conn, sess *Session, peer wire.Hello, res *Result) error

// run 执行一次操作；可重试的失败会重新连接并从协商重新开始，
// 已经写入的对象在新一轮协商中被跳过。
func (c *Client) run(ctx context.Context, op wire.Op, want []string, fn body) (*Result, error) {
	res := &Result{Op: op}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := c.attempt(ctx, op, want, fn, res)
		if err == nil {
			return res, nil
		}
		if !fault.IsRetryable(err) || attempt > c.opts.Retries || ctx.Err() != nil {
			return res, err
		}

		backoff := time.Duration(attempt) * 100 * time.Millisecond
		c.opts.Logger.Warn("sync attempt failed, retrying",
			slog.String("remote", c.remote),
			slog.String("op", string(op)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("err", err.Error()))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) attempt(ctx context.Context, op wire.Op, want []string, fn body, res *Result) (err error) {
	ch, err := c.dial(ctx)
	if err != nil {
		return fault.Wrap(fault.IOError, "remote.dial", err)
	}
	if c.opts.Timeout > 0 {
		ch = transport.WithTimeout(ch, c.opts.Timeout)
	}
	defer ch.Close()

	conn := wire.NewConn(ch, c.opts.MaxFrameSize)
	sess := newSession("", op, c.opts.Logger.With(slog.String("remote", c.remote)))
	sess.want = want
	defer func() {
		if err != nil {
			report(conn, err)
			err = sess.fail(err)
		}
		res.absorb(conn, sess)
	}()

	// 1. 握手
	hello := c.repo.hello(op, sess.ID)
	hello.Want = want
	if err := conn.Send(wire.FrameHello, &hello); err != nil {
		return err
	}
	var peer wire.Hello
	if err := conn.Recv(wire.FrameHello, &peer); err != nil {
		return err
	}
	if err := c.repo.checkHello(peer, sess.logger); err != nil {
		return err
	}

	// 2. 协商、传输、完成
	if err := fn(ctx, conn, sess, peer, res); err != nil {
		return err
	}
	sess.advance(StateComplete)
	sess.logger.Info("sync complete",
		slog.Int("sent", res.ObjectsSent),
		slog.Int("received", res.ObjectsReceived),
		slog.Int64("bytes_in", conn.BytesReceived()),
		slog.Int64("bytes_out", conn.BytesSent()))
	return nil
}

// Fetch 下载远端分支 (空表示全部) 缺失的对象，并更新 refs/remotes/<remote>/<branch>
func (c *Client) Fetch(ctx context.Context, branches ...string) (*Result, error) {
	return c.run(ctx, wire.OpFetch, branches, c.fetch)
}

func (c *Client) fetch(ctx context.Context, conn *wire.Conn, sess *Session, peer wire.Hello, res *Result) error {
	rcv := newReceiver(conn, c.repo.Store, c.repo.Alg, sess, res)
	if err := rcv.run(ctx); err != nil {
		return err
	}

	// 对象全部就位后才更新引用
	for _, ref := range peer.Refs {
		branch, ok := strings.CutPrefix(ref.Name, refs.HeadsPrefix)
		if !ok {
			return fault.Newf(fault.NegotiationFailure, "remote.fetch", "peer advertised non-branch ref %q", ref.Name)
		}
		name := refs.RemoteBranch(c.remote, branch)
		if err := c.repo.Refs.Set(ctx, name, ref.ID); err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
		res.Updated = append(res.Updated, name)
		c.repo.received(ctx, name, ref.ID)
	}
	return conn.Send(wire.FrameDone, nil)
}

// Pull 抓取 branch 并把当前分支快进到它。无法快进时记录在 Result.Diverged 中，不做合并。
func (c *Client) Pull(ctx context.Context, branch string) (*Result, error) {
	res, err := c.Fetch(ctx, branch)
	if err != nil {
		return res, err
	}

	theirs, err := c.repo.Refs.Get(ctx, refs.RemoteBranch(c.remote, branch))
	if err != nil {
		return res, err
	}
	current, err := c.repo.Refs.Current()
	if err != nil {
		return res, err
	}
	ours, err := c.repo.Refs.Get(ctx, current)
	if err != nil && !errors.Is(err, fault.NotFound) {
		return res, err
	}
	if ours == theirs {
		return res, nil
	}

	ff, err := history.IsAncestor(ctx, c.repo.Store, c.repo.Alg, ours, theirs)
	if err != nil {
		return res, err
	}
	if !ff {
		// 本地领先时无需更新
		ahead, err := history.IsAncestor(ctx, c.repo.Store, c.repo.Alg, theirs, ours)
		if err != nil {
			return res, err
		}
		if !ahead {
			res.Diverged = append(res.Diverged, current)
		}
		return res, nil
	}
	if err := c.repo.Refs.CompareAndSwap(ctx, current, ours, theirs); err != nil {
		return res, err
	}
	res.Updated = append(res.Updated, current)
	return res, nil
}

// Push 上传本地分支缺失的对象，然后请求远端以快进方式更新这些分支
func (c *Client) Push(ctx context.Context, branches ...string) (*Result, error) {
	if len(branches) == 0 {
		current, err := c.repo.Refs.Current()
		if err != nil {
			return nil, err
		}
		branches = []string{strings.TrimPrefix(current, refs.HeadsPrefix)}
	}
	res, err := c.run(ctx, wire.OpPush, branches, c.push)
	if err == nil && len(res.Rejected) > 0 {
		err = fault.Fatal(fault.NegotiationFailure, "remote.push",
			fmt.Errorf("%w: %s", ErrRejected, strings.Join(res.Rejected, "; ")))
	}
	return res, err
}

func (c *Client) push(ctx context.Context, conn *wire.Conn, sess *Session, peer wire.Hello, res *Result) error {
	remoteRefs := make(map[string]types.Hash, len(peer.Refs))
	for _, r := range peer.Refs {
		remoteRefs[r.Name] = r.ID
	}

	// 1. 本地分支的 head 就是协商的起点
	var changes []wire.RefChange
	var heads []types.Hash
	for _, b := range sess.want {
		name := refs.Branch(b)
		id, err := c.repo.Refs.Get(ctx, name)
		if err != nil {
			return err
		}
		heads = append(heads, id)
		changes = append(changes, wire.RefChange{Name: name, Old: remoteRefs[name], New: id})
	}

	snd := newSender(conn, c.repo.Store, c.repo.Alg, c.opts.Retries, sess, res)
	if err := snd.run(ctx, heads); err != nil {
		return err
	}

	// 2. 请求更新远端引用
	if err := conn.Send(wire.FrameRefUpdate, &wire.RefUpdate{Changes: changes}); err != nil {
		return err
	}
	var result wire.RefResult
	if err := conn.Recv(wire.FrameRefResult, &result); err != nil {
		return err
	}
	res.Updated, res.Rejected = nil, nil
	for _, st := range result.Results {
		if !st.OK {
			res.Rejected = append(res.Rejected, st.Name+": "+st.Reason)
			continue
		}
		res.Updated = append(res.Updated, st.Name)
		for _, ch := range changes {
			if ch.Name == st.Name {
				tracking := refs.RemoteBranch(c.remote, strings.TrimPrefix(st.Name, refs.HeadsPrefix))
				if err := c.repo.Refs.Set(ctx, tracking, ch.New); err != nil {
					return err
				}
			}
		}
	}
	return conn.Send(wire.FrameDone, nil)
}
