package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
	"chunkvault/pkg/wire"
)

// levels 是协商的顺序：先 commit，再逐层向下
var levels = []core.ObjectType{core.TypeCommit, core.TypeTree, core.TypeFileNode, core.TypeChunk}

// sender 负责协商和传输的发送一侧
type sender struct {
	conn    *wire.Conn
	store   storage.Store
	alg     digest.Algorithm
	retries int
	sess    *Session
	res     *Result

	offered map[types.Hash]struct{}
	needed  map[types.Hash]core.ObjectType
	// children 记录已载入对象的子节点 (commit 的父提交、tree 的子树)，用于排序
	children map[types.Hash][]types.Hash
	found    map[core.ObjectType][]types.Hash
}

func newSender(conn *wire.Conn, store storage.Store, alg digest.Algorithm, retries int, sess *Session, res *Result) *sender {
	return &sender{
		conn:     conn,
		store:    store,
		alg:      alg,
		retries:  retries,
		sess:     sess,
		res:      res,
		offered:  make(map[types.Hash]struct{}),
		needed:   make(map[types.Hash]core.ObjectType),
		children: make(map[types.Hash][]types.Hash),
		found:    make(map[core.ObjectType][]types.Hash),
	}
}

// run 执行协商、传输和校验
func (s *sender) run(ctx context.Context, heads []types.Hash) error {
	s.sess.advance(StateNegotiating)
	if err := s.negotiate(ctx, heads); err != nil {
		return err
	}

	s.sess.advance(StateTransferring)
	order := s.order()
	if err := s.transfer(ctx, order); err != nil {
		return err
	}

	s.sess.advance(StateVerifying)
	var v wire.Verify
	if err := s.conn.Recv(wire.FrameVerify, &v); err != nil {
		return err
	}
	if len(v.Missing) > 0 {
		return fault.Newf(fault.NegotiationFailure, "remote.verify",
			"receiver is missing %d negotiated objects (first %s)", len(v.Missing), v.Missing[0].Short())
	}
	return nil
}

// -----------------------------------------------------------------------------
// 协商
// -----------------------------------------------------------------------------

// negotiate 逐层提供 ID。接收方已有的对象连同它的整个闭包都被跳过：
// 只有缺失的 commit 和 tree 才会被展开。
func (s *sender) negotiate(ctx context.Context, heads []types.Hash) error {
	frontier := map[core.ObjectType][]types.Hash{core.TypeCommit: heads}

	for _, level := range levels {
		// 同一层可能多轮：缺失的 commit 带来更多 commit，缺失的 tree 带来子树
		for len(frontier[level]) > 0 {
			batch := frontier[level]
			frontier[level] = nil

			missing, err := s.offer(ctx, level, batch)
			if err != nil {
				return err
			}
			for _, id := range missing {
				if err := s.expand(ctx, level, id, frontier); err != nil {
					return err
				}
			}
		}
	}

	total := len(s.needed)
	s.sess.logger.Info("negotiation finished",
		slog.Int("offered", len(s.offered)),
		slog.Int("missing", total))
	return s.conn.Send(wire.FrameBegin, &wire.Begin{Objects: total})
}

// offer 把 ids 中还没提供过的部分分批发给接收方，返回接收方缺失的 ID
func (s *sender) offer(ctx context.Context, level core.ObjectType, ids []types.Hash) ([]types.Hash, error) {
	fresh := make([]types.Hash, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.offered[id]; ok {
			continue
		}
		s.offered[id] = struct{}{}
		fresh = append(fresh, id)
	}

	var missing []types.Hash
	for start := 0; start < len(fresh); start += wire.MaxOfferBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := fresh[start:min(start+wire.MaxOfferBatch, len(fresh))]
		if err := s.conn.Send(wire.FrameOffer, &wire.Offer{Level: level.Tag(), IDs: batch}); err != nil {
			return nil, err
		}
		var need wire.Need
		if err := s.conn.Recv(wire.FrameNeed, &need); err != nil {
			return nil, err
		}

		inBatch := make(map[types.Hash]struct{}, len(batch))
		for _, id := range batch {
			inBatch[id] = struct{}{}
		}
		for _, id := range need.IDs {
			if _, ok := inBatch[id]; !ok {
				return nil, fault.Newf(fault.NegotiationFailure, "remote.negotiate", "receiver asked for %s which was not offered", id.Short())
			}
			if _, dup := s.needed[id]; dup {
				continue
			}
			s.needed[id] = level
			s.found[level] = append(s.found[level], id)
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// expand 载入一个缺失的对象，把它的引用加入下一轮的 frontier
func (s *sender) expand(ctx context.Context, level core.ObjectType, id types.Hash, frontier map[core.ObjectType][]types.Hash) error {
	switch level {
	case core.TypeCommit:
		c, err := storage.GetCommit(ctx, s.store, s.alg, id)
		if err != nil {
			return fmt.Errorf("load commit %s: %w", id.Short(), err)
		}
		parents := c.ParentIDs()
		s.children[id] = parents
		frontier[core.TypeCommit] = append(frontier[core.TypeCommit], parents...)
		frontier[core.TypeTree] = append(frontier[core.TypeTree], c.Tree())
	case core.TypeTree:
		t, err := storage.GetTree(ctx, s.store, s.alg, id)
		if err != nil {
			return fmt.Errorf("load tree %s: %w", id.Short(), err)
		}
		var subtrees []types.Hash
		for _, e := range t.Entries {
			if e.Kind.IsTree() {
				subtrees = append(subtrees, e.Hash.Hash)
				frontier[core.TypeTree] = append(frontier[core.TypeTree], e.Hash.Hash)
			} else {
				frontier[core.TypeFileNode] = append(frontier[core.TypeFileNode], e.Hash.Hash)
			}
		}
		s.children[id] = subtrees
	case core.TypeFileNode:
		f, err := storage.GetFileNode(ctx, s.store, s.alg, id)
		if err != nil {
			return fmt.Errorf("load filenode %s: %w", id.Short(), err)
		}
		frontier[core.TypeChunk] = append(frontier[core.TypeChunk], f.Links()...)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 传输
// -----------------------------------------------------------------------------

// order 给出依赖顺序：chunk、filenode、tree (子树在前)、commit (父提交在前)
func (s *sender) order() []types.Hash {
	out := make([]types.Hash, 0, len(s.needed))
	out = append(out, s.found[core.TypeChunk]...)
	out = append(out, s.found[core.TypeFileNode]...)
	out = append(out, s.postOrder(s.found[core.TypeTree])...)
	out = append(out, s.postOrder(s.found[core.TypeCommit])...)
	return out
}

// postOrder 对缺失对象做深度优先后序遍历，子节点总在父节点之前。
// 共享的子树只输出一次。
func (s *sender) postOrder(ids []types.Hash) []types.Hash {
	visited := make(map[types.Hash]bool, len(ids))
	out := make([]types.Hash, 0, len(ids))
	var visit func(id types.Hash)
	visit = func(id types.Hash) {
		visited[id] = true
		for _, child := range s.children[id] {
			if _, need := s.needed[child]; need && !visited[child] {
				visit(child)
			}
		}
		out = append(out, id)
	}
	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}
	return out
}

// transfer 发送对象，然后按接收方的 Ack 重传被拒绝的对象
func (s *sender) transfer(ctx context.Context, order []types.Hash) error {
	pending := order
	for attempt := 0; ; attempt++ {
		for _, id := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.sendObject(ctx, id); err != nil {
				return err
			}
		}
		if err := s.conn.Send(wire.FrameTransferEnd, nil); err != nil {
			return err
		}

		var ack wire.Ack
		if err := s.conn.Recv(wire.FrameAck, &ack); err != nil {
			return err
		}
		if len(ack.Rejected) == 0 {
			return nil
		}

		rejected := make(map[types.Hash]struct{}, len(ack.Rejected))
		for _, id := range ack.Rejected {
			if _, ok := s.needed[id]; !ok {
				return fault.Newf(fault.NegotiationFailure, "remote.transfer", "receiver rejected %s which was never sent", id.Short())
			}
			rejected[id] = struct{}{}
		}
		if attempt >= s.retries {
			return fault.Fatal(fault.DigestMismatch, "remote.transfer",
				fmt.Errorf("%d objects still rejected after %d retransmissions", len(rejected), attempt))
		}
		s.sess.logger.Warn("retransmitting rejected objects",
			slog.Int("count", len(rejected)),
			slog.Int("attempt", attempt+1))

		// 保持原来的依赖顺序
		next := make([]types.Hash, 0, len(rejected))
		for _, id := range order {
			if _, ok := rejected[id]; ok {
				next = append(next, id)
			}
		}
		pending = next
	}
}

// sendObject 在发送时读取对象：能映射就零拷贝发送，否则读出完整字节
func (s *sender) sendObject(ctx context.Context, id types.Hash) error {
	kind := s.needed[id]
	if m, ok := s.store.(storage.Mapper); ok {
		view, err := m.Map(ctx, id)
		switch {
		case err == nil:
			defer view.Close()
			err = view.With(func(b []byte) error {
				return s.conn.SendObject(kind, b, id)
			})
			if err == nil {
				s.res.ObjectsSent++
			}
			return err
		case !errors.Is(err, storage.ErrNotMappable):
			return fmt.Errorf("map %s %s: %w", kind, id.Short(), err)
		}
	}

	raw, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", kind, id.Short(), err)
	}
	if raw.Kind != kind {
		return fault.Newf(fault.Internal, "remote.transfer", "object %s is a %s, negotiated as %s", id.Short(), raw.Kind, kind)
	}
	if err := s.conn.SendObject(raw.Kind, raw.Data, id); err != nil {
		return err
	}
	s.res.ObjectsSent++
	return nil
}
